package ipfs

import "net/http"

// Strategy decorates an outgoing request with one combination of
// origin/auth headers. The node's authorization requirements are not known
// up front, so uploads probe strategies in order until one is accepted.
type Strategy struct {
	Name  string
	Apply func(h http.Header)
}

// Names of the built-in strategies.
const (
	StrategyPlain        = "plain"
	StrategyWithOrigin   = "with-origin"
	StrategyBearer       = "bearer-token"
	StrategyCustomHeader = "custom-header"
	StrategyOriginBearer = "origin-bearer"
)

// DefaultStrategies builds the standard probing order from the node
// credentials. Strategies that need a missing credential are left out.
func DefaultStrategies(origin, token, headerName string) []Strategy {
	out := []Strategy{{Name: StrategyPlain, Apply: func(http.Header) {}}}

	if origin != "" {
		out = append(out, Strategy{Name: StrategyWithOrigin, Apply: func(h http.Header) {
			h.Set("Origin", origin)
		}})
	}
	if token != "" {
		out = append(out, Strategy{Name: StrategyBearer, Apply: func(h http.Header) {
			h.Set("Authorization", "Bearer "+token)
		}})
		if headerName != "" {
			out = append(out, Strategy{Name: StrategyCustomHeader, Apply: func(h http.Header) {
				h.Set(headerName, token)
			}})
		}
		if origin != "" {
			out = append(out, Strategy{Name: StrategyOriginBearer, Apply: func(h http.Header) {
				h.Set("Origin", origin)
				h.Set("Authorization", "Bearer "+token)
			}})
		}
	}
	return out
}

// SelectStrategies keeps the strategies whose names appear in names, in the
// order given by names. An empty names list keeps everything.
func SelectStrategies(all []Strategy, names []string) []Strategy {
	if len(names) == 0 {
		return all
	}
	byName := make(map[string]Strategy, len(all))
	for _, s := range all {
		byName[s.Name] = s
	}
	out := make([]Strategy, 0, len(names))
	for _, n := range names {
		if s, ok := byName[n]; ok {
			out = append(out, s)
		}
	}
	return out
}
