// Package protocol defines the newline-delimited JSON wire format spoken
// between clients, the presence router and the offline relay.
//
// Every line is one JSON object carrying a "type" field. Requests flow
// client→router and router→relay; responses come back on the same
// connection in request order, and the router may interleave DELIVER and
// PRESENCE pushes between responses.
package protocol
