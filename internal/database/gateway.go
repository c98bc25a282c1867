package database

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// Store is the subset of the repository used on the live message path.
type Store interface {
	IsMember(ctx context.Context, userId, roomId int) (bool, error)
	AppendMessage(ctx context.Context, params AppendMessageParams) (Message, error)
	SetOnline(ctx context.Context, userId int, online bool) error
}

type GatewaySettings struct {
	// QueryTimeout bounds every call made through the gateway.
	QueryTimeout time.Duration
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures uint32
	// OpenTimeout is how long the circuit stays open before probing again.
	OpenTimeout time.Duration
}

func DefaultGatewaySettings() GatewaySettings {
	return GatewaySettings{
		QueryTimeout: 5 * time.Second,
		MaxFailures:  5,
		OpenTimeout:  10 * time.Second,
	}
}

// Gateway guards a Store with a per-call timeout and a circuit breaker so
// that an unreachable database fails fast with an Unavailable PersistError.
type Gateway struct {
	store   Store
	log     *slog.Logger
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewGateway(store Store, logger *slog.Logger, settings GatewaySettings) *Gateway {
	g := &Gateway{
		store:   store,
		log:     logger,
		timeout: settings.QueryTimeout,
	}

	g.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "persistence",
		MaxRequests: 1,
		Timeout:     settings.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= settings.MaxFailures
		},
		// only transient failures count against the circuit, never a
		// cancelled caller
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || !IsKind(err, Unavailable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change", "name", name, "from", from.String(), "to", to.String())
		},
	})

	return g
}

func (g *Gateway) State() gobreaker.State {
	return g.cb.State()
}

func (g *Gateway) execute(ctx context.Context, op string, fn func(ctx context.Context) (any, error)) (any, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	res, err := g.cb.Execute(func() (any, error) {
		res, err := fn(ctx)
		return res, classify(op, err)
	})
	if err != nil {
		return nil, classify(op, err)
	}

	return res, nil
}

func (g *Gateway) IsMember(ctx context.Context, userId, roomId int) (bool, error) {
	res, err := g.execute(ctx, "is member", func(ctx context.Context) (any, error) {
		return g.store.IsMember(ctx, userId, roomId)
	})
	if err != nil {
		return false, err
	}

	return res.(bool), nil
}

func (g *Gateway) AppendMessage(ctx context.Context, params AppendMessageParams) (Message, error) {
	res, err := g.execute(ctx, "append message", func(ctx context.Context) (any, error) {
		return g.store.AppendMessage(ctx, params)
	})
	if err != nil {
		return Message{}, err
	}

	return res.(Message), nil
}

func (g *Gateway) SetOnline(ctx context.Context, userId int, online bool) error {
	_, err := g.execute(ctx, "set online", func(ctx context.Context) (any, error) {
		return nil, g.store.SetOnline(ctx, userId, online)
	})

	return err
}
