package agent

import "go.opentelemetry.io/otel"

// tracer covers the run, per-turn chat call, and tool batch spans. The
// global provider is a no-op unless the host process installs one.
var tracer = otel.Tracer("github.com/openloom/loom/internal/agent")
