// Package chat holds conversation state and the request/response correlation
// that turns single-shot user actions into asynchronous exchanges over the
// channel.
//
// The SessionStore is the single logical writer for all conversation state:
// user actions and inbound channel events both run through it. The
// Correlator matches each outbound request to its eventual answer; the
// WindowPolicy bounds the history accompanying a request; the Estimator
// accounts approximate token cost at terminal message transitions.
package chat
