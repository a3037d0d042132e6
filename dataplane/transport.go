// Copyright 2025-2026 The nowplaying Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package dataplane

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// SSEFrameWriter write each payload as one `data:` server-sent event, and flush it
func SSEFrameWriter(w io.Writer, flusher http.Flusher) FrameWriter {
	return func(payload []byte) error {
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
}

// WebSocketFrameWriter write each payload as one text message
func WebSocketFrameWriter(conn *websocket.Conn, writeWait time.Duration) FrameWriter {
	return func(payload []byte) error {
		if writeWait > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return err
			}
		}
		return conn.WriteMessage(websocket.TextMessage, payload)
	}
}
