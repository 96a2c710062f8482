package harness

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/carrier/internal/ir"
)

// Scenario is a scripted delivery run. The backend answers from Replies,
// time only moves on advance steps, and jitter is fixed, so a scenario
// produces the same trace on every run.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// UserID is set before the first step. Defaults to "user-1".
	UserID string `yaml:"user_id,omitempty"`

	// Jitter is the fixed random value in [0, 1) used for every retry
	// delay and discovery wait.
	Jitter float64 `yaml:"jitter,omitempty"`

	// MaxRetries enables the retry budget when positive.
	MaxRetries int `yaml:"max_retries,omitempty"`

	// Replies scripts the backend per endpoint. Each request pops one
	// reply and the last one repeats. Unscripted endpoints answer 200;
	// discovery answers with a complete directory.
	Replies map[string][]ReplyStep `yaml:"replies,omitempty"`

	Steps []Step `yaml:"steps"`

	Assertions []Assertion `yaml:"assertions"`
}

// ReplyStep is an HTTP status or "network".
type ReplyStep struct {
	Status  int
	Network bool
}

// UnmarshalYAML accepts a status code or the word network.
func (r *ReplyStep) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: reply must be a status code or %q", node.Line, NetworkReply)
	}
	if node.Value == NetworkReply {
		r.Network = true
		return nil
	}
	code, err := strconv.Atoi(node.Value)
	if err != nil || code < 100 || code > 599 {
		return fmt.Errorf("line %d: invalid reply %q", node.Line, node.Value)
	}
	r.Status = code
	return nil
}

func (r ReplyStep) String() string {
	if r.Network {
		return NetworkReply
	}
	return strconv.Itoa(r.Status)
}

// Step is one action. Exactly one field must be set.
type Step struct {
	// Send stores and dispatches a raw request.
	Send *SendStep `yaml:"send,omitempty"`

	// Achievement posts an achievement id.
	Achievement string `yaml:"achievement,omitempty"`

	// HighScore posts a score.
	HighScore *int64 `yaml:"high_score,omitempty"`

	// ValidateUser validates the current user with this access token.
	ValidateUser string `yaml:"validate_user,omitempty"`

	// SetUser switches the user id.
	SetUser string `yaml:"set_user,omitempty"`

	// Start runs discovery, the install metric, and app opened.
	Start bool `yaml:"start,omitempty"`

	// Replay dispatches every pending entry.
	Replay bool `yaml:"replay,omitempty"`

	// Advance moves the clock, releasing waits that fall due.
	Advance string `yaml:"advance,omitempty"`

	// Restart closes the engine and reopens it on the same store file.
	Restart bool `yaml:"restart,omitempty"`
}

// SendStep is a raw request.
type SendStep struct {
	Class    string         `yaml:"class"`
	Endpoint string         `yaml:"endpoint"`
	Params   map[string]any `yaml:"params,omitempty"`
}

func (s Step) kinds() []string {
	var k []string
	if s.Send != nil {
		k = append(k, "send")
	}
	if s.Achievement != "" {
		k = append(k, "achievement")
	}
	if s.HighScore != nil {
		k = append(k, "high_score")
	}
	if s.ValidateUser != "" {
		k = append(k, "validate_user")
	}
	if s.SetUser != "" {
		k = append(k, "set_user")
	}
	if s.Start {
		k = append(k, "start")
	}
	if s.Replay {
		k = append(k, "replay")
	}
	if s.Advance != "" {
		k = append(k, "advance")
	}
	if s.Restart {
		k = append(k, "restart")
	}
	return k
}

// Assertion checks the state after the last step.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Endpoint is used by request_count and reply_sequence.
	Endpoint string `yaml:"endpoint,omitempty"`

	// Count is used by request_count and pending_count.
	Count int `yaml:"count,omitempty"`

	// Status is used by auth_status (Ready, ReadOnly, NotAuthorized,
	// Undetermined).
	Status string `yaml:"status,omitempty"`

	// Replies is used by reply_sequence: the replies endpoint received, in
	// trace order.
	Replies []string `yaml:"replies,omitempty"`

	// Value is used by install_metric_sent.
	Value *bool `yaml:"value,omitempty"`
}

// Assertion types.
const (
	AssertRequestCount      = "request_count"
	AssertPendingCount      = "pending_count"
	AssertAuthStatus        = "auth_status"
	AssertReplySequence     = "reply_sequence"
	AssertInstallMetricSent = "install_metric_sent"
)

// LoadScenario reads and validates a scenario file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps must contain at least one step")
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		return fmt.Errorf("jitter must be in [0, 1), got %v", s.Jitter)
	}
	for i, step := range s.Steps {
		if err := validateStep(step, i); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a, i); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(s Step, index int) error {
	switch k := s.kinds(); len(k) {
	case 0:
		return fmt.Errorf("steps[%d]: no action", index)
	case 1:
	default:
		return fmt.Errorf("steps[%d]: more than one action: %v", index, k)
	}
	if s.Send != nil {
		if _, err := ir.ParseServiceClass(s.Send.Class); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
		if s.Send.Endpoint == "" {
			return fmt.Errorf("steps[%d]: send needs an endpoint", index)
		}
	}
	if s.Advance != "" {
		d, err := time.ParseDuration(s.Advance)
		if err != nil {
			return fmt.Errorf("steps[%d]: advance: %w", index, err)
		}
		if d <= 0 {
			return fmt.Errorf("steps[%d]: advance must be positive", index)
		}
	}
	return nil
}

func validateAssertion(a Assertion, index int) error {
	switch a.Type {
	case AssertRequestCount:
		if a.Endpoint == "" {
			return fmt.Errorf("assertions[%d]: endpoint is required for request_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertPendingCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative", index)
		}
	case AssertAuthStatus:
		if _, ok := parseAuthStatus(a.Status); !ok {
			return fmt.Errorf("assertions[%d]: unknown auth status %q", index, a.Status)
		}
	case AssertReplySequence:
		if a.Endpoint == "" || len(a.Replies) == 0 {
			return fmt.Errorf("assertions[%d]: endpoint and replies are required for reply_sequence", index)
		}
	case AssertInstallMetricSent:
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for install_metric_sent", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseAuthStatus(s string) (ir.AuthStatus, bool) {
	for _, st := range []ir.AuthStatus{ir.NotAuthorizedStatus, ir.Undetermined, ir.ReadOnlyStatus, ir.Ready} {
		if st.String() == s {
			return st, true
		}
	}
	return 0, false
}
