// Package metrics exports engine events as Prometheus metrics.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/barnettlynn/desfire/pkg/desfire"
)

const (
	// Namespace is the Prometheus namespace for all engine metrics
	Namespace = "desfire"

	// Label names
	LabelCommand    = "command"
	LabelStatus     = "status"
	LabelGeneration = "generation"
	LabelMode       = "mode"
	LabelReason     = "reason"
)

// Collector implements desfire.Observer on a private registry.
type Collector struct {
	registry *prometheus.Registry

	CommandsTotal   *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	AuthTotal       *prometheus.CounterVec
	SessionsClosed  *prometheus.CounterVec
}

var _ desfire.Observer = (*Collector)(nil)

func New() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "commands_total",
				Help:      "Native commands sent to the card by command code and outcome",
			},
			[]string{LabelCommand, LabelStatus},
		),
		// Card round trips sit in the low milliseconds; long tails are reader retries.
		CommandDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "command_duration_seconds",
				Help:      "Duration of native commands including continuation frames",
				Buckets:   []float64{.001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{LabelCommand},
		),
		AuthTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "auth_total",
				Help:      "Authentication attempts by generation, key type and outcome",
			},
			[]string{LabelGeneration, LabelMode, LabelStatus},
		),
		SessionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "sessions_closed_total",
				Help:      "Secure sessions torn down, by reason",
			},
			[]string{LabelReason},
		),
	}
}

func (c *Collector) CommandCompleted(cmd byte, status desfire.Status, elapsed time.Duration) {
	name := commandLabel(cmd)
	c.CommandsTotal.WithLabelValues(name, status.String()).Inc()
	c.CommandDuration.WithLabelValues(name).Observe(elapsed.Seconds())
}

func (c *Collector) AuthCompleted(gen desfire.Generation, mode desfire.CryptoMode, status desfire.Status) {
	c.AuthTotal.WithLabelValues(gen.String(), mode.String(), status.String()).Inc()
}

func (c *Collector) SessionClosed(reason string) {
	c.SessionsClosed.WithLabelValues(reason).Inc()
}

// Handler serves the collector's registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

var commandNames = map[byte]string{
	desfire.CmdGetVersion:           "get_version",
	desfire.CmdGetCardUID:           "get_card_uid",
	desfire.CmdGetApplicationIDs:    "get_application_ids",
	desfire.CmdGetFreeMemory:        "get_free_memory",
	desfire.CmdSelectApplication:    "select_application",
	desfire.CmdAdditionalFrame:      "additional_frame",
	desfire.CmdAuthenticate:         "authenticate_legacy",
	desfire.CmdAuthenticateISO:      "authenticate_iso",
	desfire.CmdAuthenticateAES:      "authenticate_aes",
	desfire.CmdAuthenticateEV2First: "authenticate_ev2_first",
	desfire.CmdGetKeySettings:       "get_key_settings",
	desfire.CmdGetKeyVersion:        "get_key_version",
	desfire.CmdGetFileIDs:           "get_file_ids",
	desfire.CmdGetFileSettings:      "get_file_settings",
	desfire.CmdReadData:             "read_data",
	desfire.CmdWriteData:            "write_data",
	desfire.CmdGetValue:             "get_value",
}

// commandLabel keeps label cardinality bounded: unknown codes share one
// label per code byte.
func commandLabel(cmd byte) string {
	if name, ok := commandNames[cmd]; ok {
		return name
	}
	return fmt.Sprintf("0x%02X", cmd)
}
