package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/vllm-tools/pdsched/internal/logx"
	"github.com/vllm-tools/pdsched/internal/sched"
)

// StreamHandler upgrades to a websocket and forwards lifecycle events
// as JSON frames. Subscribers that fall behind lose events rather than
// back-pressuring the pipeline.
func StreamHandler(s *sched.Scheduler, allowedOrigins []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		opts := &websocket.AcceptOptions{}
		if len(allowedOrigins) > 0 {
			opts.OriginPatterns = allowedOrigins
		} else {
			opts.InsecureSkipVerify = true
		}
		conn, err := websocket.Accept(w, r, opts)
		if err != nil {
			logx.Log.Debug().Err(err).Msg("event stream upgrade failed")
			return
		}
		defer func() { _ = conn.CloseNow() }()

		mon := s.Monitor()
		ch := mon.Subscribe()
		defer mon.Unsubscribe(ch)

		ctx := r.Context()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := wsjson.Write(ctx, conn, ev); err != nil {
					return
				}
			}
		}
	}
}
