// Package transport provides the persistent framed connection a session runs
// over.
//
// # Overview
//
// A Conn carries whole frames in both directions. Inbound frames arrive on a
// channel; Done reports the end of the connection and Err says why. Frames
// are opaque here. The protocol package encodes them.
//
// # Available Transports
//
//   - WebSocketConn: one frame per WebSocket message (production)
//   - Pipe: an in-memory connected pair (tests and fakes)
//
// # Usage
//
//	d := transport.NewWebSocketDialer("wss://game.example/ws")
//	d.Origin = "https://game.example"
//	conn, err := d.Dial(ctx)
//	if err != nil {
//	    return err
//	}
//	defer conn.Close()
//
//	for {
//	    select {
//	    case frame := <-conn.Recv():
//	        handle(frame)
//	    case <-conn.Done():
//	        return conn.Err()
//	    }
//	}
//
// # Concurrency
//
// Send is safe for concurrent use. WebSocketConn serializes writes through a
// single writer goroutine, as gorilla/websocket requires.
package transport
