package cache

import (
	"fmt"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/IvanBrykalov/tiercache/config"
	"github.com/IvanBrykalov/tiercache/hotkey"
	"github.com/IvanBrykalov/tiercache/syncpolicy"
	"github.com/IvanBrykalov/tiercache/syncpolicy/amqpbus"
	"github.com/IvanBrykalov/tiercache/syncpolicy/kafkabus"
	"github.com/IvanBrykalov/tiercache/syncpolicy/memory"
	"github.com/IvanBrykalov/tiercache/syncpolicy/redisbus"
)

// NewTransport builds the transport named by cfg.Sync.Transport. The
// memory transport returned here has a private hub, so it only reaches
// subscribers of this process; share a memory.Hub explicitly to connect
// several registries.
func NewTransport(cfg config.Config, instanceID string, rdb redis.UniversalClient, log *zap.Logger) (syncpolicy.Transport, error) {
	switch cfg.Sync.Transport {
	case config.TransportMemory, "":
		return memory.NewHub().Transport(), nil
	case config.TransportRedis:
		if rdb == nil {
			return nil, ErrNoRemote
		}
		return redisbus.New(rdb, log), nil
	case config.TransportKafka:
		t, err := kafkabus.New(cfg.Sync.Kafka, instanceID, log)
		if err != nil {
			return nil, err
		}
		return t, nil
	case config.TransportAMQP:
		conn, err := amqpbus.Dial(cfg.Sync.AMQP)
		if err != nil {
			return nil, err
		}
		return amqpbus.New(cfg.Sync.AMQP, conn, log), nil
	}
	return nil, fmt.Errorf("cache: unknown transport %q", cfg.Sync.Transport)
}

// NewDetector builds the hot-key detector described by h.
func NewDetector(h config.HotKey) hotkey.Detector {
	switch h.Detector {
	case "static":
		return hotkey.NewStatic(h.Static)
	case "window":
		return hotkey.NewWindow(hotkey.WindowOptions{Threshold: h.Threshold, Window: h.Window})
	}
	return hotkey.None{}
}
