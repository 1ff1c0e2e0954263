// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the control listener the interception engine
// connects to.
//
// # Overview
//
// The engine opens one connection per captured message. The server accepts
// it, assembles the initial payload and calls the ConnHandler on a
// dedicated goroutine, so a connection waiting for an operator decision
// never delays the accept loop.
//
// # Connection Flow
//
//  1. Engine connects
//  2. Server accepts and, when a Limiter is set, drops connections above the rate
//  3. Server wraps the socket in a Conn and starts its read pump
//  4. ReadPayload collects chunks until the engine goes quiet
//  5. Conn starts discarding input and ConnHandler.Handle runs; it may keep
//     the connection open indefinitely
//  6. Server closes the connection when Handle returns
//
// # Payload Assembly
//
// The engine writes the type tag, the separator and the message with
// separate sends. ReadPayload therefore keeps reading after the first chunk
// until FrameIdleTimeout passes without data or ReadTimeout elapses
// overall. Only the first MaxFrameSize bytes are kept; the rest of an
// oversized message is read and dropped so it cannot be mistaken for a
// later acknowledgement:
//
//	REQUEST | \n\n | GET / HTTP/1.1\r\nHost: a\r\n\r\n
//	└─────── one payload, three writes ────────┘
//
// # Conn
//
// Conn is the decision capability handed to the broker. A pump goroutine
// owns the socket reads and feeds a buffered channel; Read waits on that
// channel with a timeout, and Done is closed as soon as the socket cannot
// be read any more. This lets a queued connection notice a peer close while
// nobody is reading from it. After assembly the Conn discards input until
// Flush, which the edit handshake calls before its first write.
//
// # Graceful Shutdown
//
// When the context is canceled:
//
//  1. Server stops accepting new connections
//  2. Handlers observe the cancelled context and release queued connections
//  3. Server waits for the remaining handlers (decisions in flight)
//  4. After ShutdownTimeout, it closes every tracked connection and returns
//     ErrShutdownTimeout
//
// # Example
//
//	srv := tcp.New(tcp.Config{
//		Address:         "127.0.0.1:9090",
//		ReadTimeout:     5 * time.Second,
//		ShutdownTimeout: 30 * time.Second,
//	}, broker)
//
//	if err := srv.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
