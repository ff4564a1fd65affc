package server

import (
	"net"

	"go.uber.org/zap"
)

// Observer receives server lifecycle events. Methods are invoked
// synchronously from server goroutines, occasionally while internal locks
// are held: implementations must return promptly and must not call back
// into the Server.
//
// Embed NopObserver to implement only the events of interest.
type Observer interface {
	ServerStarted(addr net.Addr)
	ServerStopped()
	ServerShuttingDown()
	ServerWaitingForConnection()
	ServerWaitingForFreeWorker()

	WorkerSpawned(id string)
	WorkerWaiting(id string)
	WorkerTerminated(id string)

	ConnectionEstablished(peer PeerInfo)
	ConnectionClosedNormally(peer PeerInfo)
	ConnectionClosedAbnormally(peer PeerInfo, err error)
}

// NopObserver ignores every event.
type NopObserver struct{}

func (NopObserver) ServerStarted(net.Addr) {}

func (NopObserver) ServerStopped() {}

func (NopObserver) ServerShuttingDown() {}

func (NopObserver) ServerWaitingForConnection() {}

func (NopObserver) ServerWaitingForFreeWorker() {}

func (NopObserver) WorkerSpawned(string) {}

func (NopObserver) WorkerWaiting(string) {}

func (NopObserver) WorkerTerminated(string) {}

func (NopObserver) ConnectionEstablished(PeerInfo) {}

func (NopObserver) ConnectionClosedNormally(PeerInfo) {}

func (NopObserver) ConnectionClosedAbnormally(PeerInfo, error) {}

// LogObserver renders lifecycle events on a zap logger. Steady-state chatter
// (workers cycling, the accept loop parking) goes to Debug; connection and
// server transitions go to Info. An abnormal close logs a one-line warning
// plus the full error detail at Debug.
type LogObserver struct {
	logger *zap.Logger
}

// NewLogObserver creates a LogObserver on the given logger.
func NewLogObserver(logger *zap.Logger) *LogObserver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogObserver{logger: logger}
}

func (o *LogObserver) ServerStarted(addr net.Addr) {
	o.logger.Info("server started", zap.String("address", addr.String()))
}

func (o *LogObserver) ServerStopped() {
	o.logger.Info("server stopped")
}

func (o *LogObserver) ServerShuttingDown() {
	o.logger.Info("server shutting down")
}

func (o *LogObserver) ServerWaitingForConnection() {
	o.logger.Debug("waiting for connection")
}

func (o *LogObserver) ServerWaitingForFreeWorker() {
	o.logger.Debug("waiting for a free worker")
}

func (o *LogObserver) WorkerSpawned(id string) {
	o.logger.Debug("worker spawned", zap.String("worker_id", id))
}

func (o *LogObserver) WorkerWaiting(id string) {
	o.logger.Debug("worker waiting", zap.String("worker_id", id))
}

func (o *LogObserver) WorkerTerminated(id string) {
	o.logger.Debug("worker terminated", zap.String("worker_id", id))
}

func (o *LogObserver) ConnectionEstablished(peer PeerInfo) {
	o.logger.Info("connection established", peerFields(peer)...)
}

func (o *LogObserver) ConnectionClosedNormally(peer PeerInfo) {
	o.logger.Info("connection closed", peerFields(peer)...)
}

func (o *LogObserver) ConnectionClosedAbnormally(peer PeerInfo, err error) {
	o.logger.Warn("connection closed abnormally",
		append(peerFields(peer), zap.String("reason", err.Error()))...)
	o.logger.Debug("handler failure detail", zap.String("peer", peer.String()), zap.Error(err))
}

func peerFields(peer PeerInfo) []zap.Field {
	return []zap.Field{
		zap.String("peer", peer.String()),
		zap.String("family", peer.Family),
		zap.String("name", peer.Name),
	}
}
