package ir

import (
	"fmt"
	"strings"
)

// ServiceClass is the logical backend role a request is addressed to.
// Each class resolves to its own host through the service directory.
type ServiceClass int

// Numeric values match the persisted format; do not renumber.
const (
	ServiceDiscovery ServiceClass = -2
	ServiceMetrics   ServiceClass = -1
	ServiceAuth      ServiceClass = 1
	ServicePost      ServiceClass = 2
)

var serviceClassNames = map[ServiceClass]string{
	ServiceDiscovery: "discovery",
	ServiceMetrics:   "metrics",
	ServiceAuth:      "auth",
	ServicePost:      "post",
}

func (c ServiceClass) String() string {
	if name, ok := serviceClassNames[c]; ok {
		return name
	}
	return fmt.Sprintf("ServiceClass(%d)", int(c))
}

// Valid reports whether c is one of the four known classes.
func (c ServiceClass) Valid() bool {
	_, ok := serviceClassNames[c]
	return ok
}

// ParseServiceClass parses a class name as produced by String.
func ParseServiceClass(s string) (ServiceClass, error) {
	for c, name := range serviceClassNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown service class %q", s)
}

// Classification is the domain outcome of one delivery attempt.
type Classification int

const (
	OK Classification = iota
	ReadOnly
	UserLimitHit
	BadCredential
	NotFound
	NotAuthorized
	ParameterError
	NetworkError
	UnknownError
)

var classificationNames = [...]string{
	OK:             "OK",
	ReadOnly:       "ReadOnly",
	UserLimitHit:   "UserLimitHit",
	BadCredential:  "BadCredential",
	NotFound:       "NotFound",
	NotAuthorized:  "NotAuthorized",
	ParameterError: "ParameterError",
	NetworkError:   "NetworkError",
	UnknownError:   "UnknownError",
}

func (c Classification) String() string {
	if c >= 0 && int(c) < len(classificationNames) {
		return classificationNames[c]
	}
	return fmt.Sprintf("Classification(%d)", int(c))
}

// ParseClassification parses a classification name as produced by String.
func ParseClassification(s string) (Classification, error) {
	for i, name := range classificationNames {
		if strings.EqualFold(s, name) {
			return Classification(i), nil
		}
	}
	return 0, fmt.Errorf("unknown classification %q", s)
}

// ClassifyStatus maps an HTTP status code to a Classification.
func ClassifyStatus(code int) Classification {
	switch code {
	case 200, 201:
		return OK
	case 401:
		return ReadOnly
	case 402:
		return UserLimitHit
	case 403:
		return BadCredential
	case 404:
		return NotFound
	case 405:
		return NotAuthorized
	case 424:
		return ParameterError
	default:
		return UnknownError
	}
}

// Terminal reports whether a stored entry with this outcome is done.
// OK, NotFound, and ParameterError end delivery; everything else retries.
func (c Classification) Terminal() bool {
	switch c {
	case OK, NotFound, ParameterError:
		return true
	default:
		return false
	}
}

// AuthStatus is the authorization state of the current user.
type AuthStatus int

// Numeric values follow the wire convention used by status callbacks.
const (
	NotAuthorizedStatus AuthStatus = -1
	Undetermined        AuthStatus = 0
	ReadOnlyStatus      AuthStatus = 1
	Ready               AuthStatus = 2
)

func (s AuthStatus) String() string {
	switch s {
	case NotAuthorizedStatus:
		return "NotAuthorized"
	case Undetermined:
		return "Undetermined"
	case ReadOnlyStatus:
		return "ReadOnly"
	case Ready:
		return "Ready"
	default:
		return fmt.Sprintf("AuthStatus(%d)", int(s))
	}
}

// AuthTransition returns the status a non-metrics outcome moves the user to.
// The second result is false when the outcome carries no auth information
// (network and unknown errors).
func AuthTransition(c Classification) (AuthStatus, bool) {
	switch c {
	case OK, UserLimitHit, BadCredential, NotFound, ParameterError:
		return Ready, true
	case ReadOnly:
		return ReadOnlyStatus, true
	case NotAuthorized:
		return NotAuthorizedStatus, true
	default:
		return Undetermined, false
	}
}
