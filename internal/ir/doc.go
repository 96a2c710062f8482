// Package ir holds the request model shared by every other carrier package.
//
// ir imports nothing internal. It defines:
//   - the sealed Value variants used for request parameters
//   - the canonical JSON serializer used for both bodies and signatures
//   - Request, ServiceClass, Classification, and AuthStatus
//   - request id generators
//
// There is no float variant; non-integer numbers travel as Decimal literals.
// Timestamps on the wire are whole epoch seconds.
package ir
