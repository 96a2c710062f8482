// Package sign computes request signatures.
//
// The backend recomputes the signature from the form body it receives, so
// every byte of the signing string is part of the wire contract:
//
//	POST\n<host-without-port>\n<endpoint>\n<k1>=<v1>&<k2>=<v2>...
//
// Keys are sorted byte-wise. String values are rendered literally; every
// other value goes through ir.MarshalCanonical, the same serializer used for
// the form body. The digest is HMAC-SHA256 with the app secret, base64
// encoded with the standard alphabet.
package sign

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"

	"github.com/roach88/carrier/internal/ir"
)

// Method is the only HTTP method requests are signed for.
const Method = "POST"

// Sign returns the base64 HMAC-SHA256 signature of params for the given host
// and endpoint. It is deterministic and independent of map insertion order.
func Sign(hostname, endpoint, secret string, params ir.Object) (string, error) {
	s, err := SigningString(hostname, endpoint, params)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(s))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// SigningString builds the exact string that Sign authenticates.
func SigningString(hostname, endpoint string, params ir.Object) (string, error) {
	payload, err := Payload(params)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	b.WriteString(Method)
	b.WriteByte('\n')
	b.WriteString(StripPort(hostname))
	b.WriteByte('\n')
	b.WriteString(endpoint)
	b.WriteByte('\n')
	b.WriteString(payload)
	return b.String(), nil
}

// Payload joins the sorted key=value pairs with '&'. Values are not URL
// encoded here; the signature covers the decoded form values.
func Payload(params ir.Object) (string, error) {
	keys := params.ByteSortedKeys()
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, err := FormValue(params[k])
		if err != nil {
			return "", fmt.Errorf("sign: parameter %q: %w", k, err)
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, "&"), nil
}

// FormValue renders one parameter for the form body and the signing string.
func FormValue(v ir.Value) (string, error) {
	if s, ok := ir.Text(v); ok {
		return s, nil
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Verify reports whether sig matches params. Comparison is constant time.
func Verify(hostname, endpoint, secret string, params ir.Object, sig string) (bool, error) {
	want, err := Sign(hostname, endpoint, secret, params)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(want), []byte(sig)), nil
}

// StripPort removes a trailing :port from host. Bracketed IPv6 literals
// lose their brackets with or without a port, so "[::1]" and "[::1]:9000"
// both sign as "::1".
func StripPort(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	if len(host) > 1 && host[0] == '[' && host[len(host)-1] == ']' {
		return host[1 : len(host)-1]
	}
	return host
}
