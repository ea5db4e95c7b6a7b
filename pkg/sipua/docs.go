// Package sipua provides a minimal SIP user agent: it registers accounts with their registrars,
// places outbound calls and reports what happens to both through an asynchronous event stream.
//
// For an example of how to use this package, see the programs in the
// `examples` directory.
//
// The package provides a [UserAgent] struct that represents one user agent instance and methods
// to configure it, start it, and interact with it. Looking at the [UserAgent] documentation is
// the recommended way to understand the available operations and events.
//
// All state of a [UserAgent] is owned by a single goroutine; every method may be called from any
// goroutine. Methods never wait for the network: outcomes are delivered as [events.Event]s, either
// to the handler passed to [UserAgent.Init] or on the channel returned by
// [UserAgent.GetEventChan].
package sipua
