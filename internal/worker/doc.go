// Package worker is the agent side of the dispatcher protocol.
//
// A Worker dials the dispatcher's /ws endpoint with its token, answers ping
// frames with pong, and runs each task frame through an executor.Runner. For
// every task it reports a processing result first and then completed or
// failed with the tool output and duration. It reconnects after a fixed
// delay when the socket drops.
//
// The worker's rpc.Peer serves agent.status and any method registered with
// Peer().On, and can query other agents through the dispatcher:
//
//	w := worker.New(7, worker.Options{URL: "ws://dispatch:8080/ws", Token: tok, Runner: runner})
//	w.Peer().On("summarize", handler)
//	err := w.Run(ctx)
package worker
