package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/trial-signal-server/internal/domain"
	"github.com/trial-signal-server/internal/monitor"
	"github.com/trial-signal-server/internal/service"
)

// SessionFactory builds a monitoring session per websocket connection. All
// sessions share one materializer and with it the memoized site lookups.
type SessionFactory struct {
	store        domain.Store
	provider     domain.RecordProvider
	materializer *service.Materializer
	interval     time.Duration
	logger       *logrus.Logger
}

// NewSessionFactory creates a factory for per-connection monitoring sessions.
func NewSessionFactory(store domain.Store, provider domain.RecordProvider, materializer *service.Materializer, interval time.Duration, logger *logrus.Logger) *SessionFactory {
	return &SessionFactory{
		store:        store,
		provider:     provider,
		materializer: materializer,
		interval:     interval,
		logger:       logger,
	}
}

// NewSession binds a session to one client connection.
func (f *SessionFactory) NewSession(sender monitor.Sender) *monitor.Session {
	return monitor.NewSession(f.store, f.provider, f.materializer, sender, f.interval, f.logger)
}

// websocketUpgrader upgrades monitoring requests and pumps inbound messages
// into a session.
type websocketUpgrader struct {
	sessions *SessionFactory
	upgrader websocket.Upgrader
	log      *logrus.Logger
}

func newWebsocketUpgrader(sessions *SessionFactory, logger *logrus.Logger) *websocketUpgrader {
	return &websocketUpgrader{
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browser dashboards connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

// Handle upgrades the connection and runs the read loop until the client
// disconnects. The session is stopped when the loop exits.
func (w *websocketUpgrader) Handle(c *gin.Context) {
	conn, err := w.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		w.log.WithError(err).Warn("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	session := w.sessions.NewSession(conn)
	defer session.Stop()

	w.log.WithField("remote", conn.RemoteAddr().String()).Info("Monitoring client connected")

	ctx := c.Request.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				w.log.WithError(err).Debug("Monitoring client closed unexpectedly")
			}
			return
		}
		session.HandleMessage(ctx, data)
	}
}
