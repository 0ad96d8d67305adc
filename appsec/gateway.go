package appsec

import (
	"go.uber.org/zap"

	"github.com/fabriziosalmi/caddy-appsec/reactive"
)

// MatchFunc receives each matching result produced by a gateway
// subscription, before the dispatch is blocked.
type MatchFunc func(Result)

// subscribe registers the addresses of component on e. When they are all
// known, build turns their values into rule engine input and c runs it.
func subscribe(e *reactive.Engine, c *Context, component string, onMatch MatchFunc, build func(reactive.Values) Data) {
	addrs := Addresses(component)
	e.Subscribe(addrs, func(values reactive.Values) (reactive.Signal, error) {
		c.logger.Debug("reacted to addresses",
			zap.String("component", component),
			zap.Any("addresses", addrs),
			zap.Any("values", values))

		res := c.RunWAF(build(values), Data{}, c.cfg.WAFTimeout)
		if !res.Matched {
			return reactive.Continue, nil
		}

		if onMatch != nil {
			onMatch(res)
		}
		if len(res.Actions) > 0 {
			return reactive.Block, nil
		}
		return reactive.Continue, nil
	})
}

type publication struct {
	addr  reactive.Address
	value any
}

// publish pushes values in order and stops at the first block.
func publish(e *reactive.Engine, pubs ...publication) bool {
	for _, p := range pubs {
		if e.Publish(p.addr, p.value) == reactive.Block {
			return true
		}
	}
	return false
}

// SubscribeAll registers every gateway on the context's own engine.
func (c *Context) SubscribeAll(onMatch MatchFunc) {
	SubscribeRequest(c.reactive, c, onMatch)
	SubscribeResponse(c.reactive, c, onMatch)
	SubscribeUser(c.reactive, c, onMatch)
	SubscribeLogin(c.reactive, c, onMatch)
}

// without returns a shallow copy of m minus key.
func without(m map[string][]string, key string) map[string][]string {
	out := make(map[string][]string, len(m))
	for k, v := range m {
		if k == key {
			continue
		}
		out[k] = v
	}
	return out
}
