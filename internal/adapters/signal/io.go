package signal

import (
	"context"
	"time"

	"github.com/dkeye/RoomScan/internal/core"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, c *WsConn) {
	defer func() {
		_ = c.conn.Close()
	}()
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", c.ID()).Msg("writePump ctx done")
			c.CloseWith(core.CloseGoingAway, "server shutdown")
			_ = c.conn.WriteControl(websocket.CloseMessage, c.closeFrame(), time.Now().Add(writeWait))
			return
		case out, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage, c.closeFrame(), time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			mt := websocket.TextMessage
			if out.Binary {
				mt = websocket.BinaryMessage
			}
			if err := c.conn.WriteMessage(mt, out.Data); err != nil {
				log.Debug().Err(err).Str("module", "signal").Str("conn", c.ID()).Msg("writePump write error")
				return
			}
		}
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, c *WsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("conn", c.ID()).Msg("readPump closing")
		c.CloseWith(core.CloseGoingAway, "")
		ctl.Orch.OnDisconnect(c)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("conn", c.ID()).Msg("readPump ctx done")
			return
		default:
			mt, data, err := c.conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Str("module", "signal").Str("conn", c.ID()).Msg("readPump read error")
				}
				return
			}
			ctl.Orch.HandleMessage(c, mt == websocket.BinaryMessage, data)
		}
	}
}
