package commands

import (
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fabriziosalmi/caddy-appsec/appsec"
)

// evaluate publishes the fixture on a fresh evaluation context and stops
// at the first block.
func evaluate(cmd *cobra.Command, waf appsec.RuleEngine, cfg appsec.Config, f *Fixture, logger *zap.Logger) Report {
	tx := appsec.NewContext(cmd.Context(), waf, cfg, appsec.WithLogger(logger))
	defer tx.Close()
	tx.SubscribeAll(nil)

	steps := []func() bool{
		func() bool {
			return f.Request != nil && appsec.PublishRequest(tx.Reactive(), f.Request)
		},
		func() bool {
			return f.User != nil && tx.SetUser(*f.User)
		},
		func() bool {
			return f.Login != nil && tx.TrackLogin(*f.Login)
		},
		func() bool {
			return f.Response != nil && appsec.PublishResponse(tx.Reactive(), f.Response)
		},
	}
	for _, step := range steps {
		if step() {
			break
		}
	}

	report := Report{
		TransactionID: tx.ID(),
		Blocked:       tx.Blocked(),
		Events:        tx.Events(),
	}
	if report.Blocked {
		report.StatusCode = http.StatusForbidden
		for _, res := range tx.Results() {
			if res.Blocking() {
				report.StatusCode = res.StatusCode(http.StatusForbidden)
			}
		}
	}
	return report
}
