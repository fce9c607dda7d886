package tlmbox

import (
	"net/http"

	"tailscale.com/tsweb"

	"github.com/banshee-data/tlmbox/internal/httputil"
)

// AttachAdminRoutes mounts the mailbox debug page under /debug/. These routes
// are meant for localhost or the tailnet only.
func (m *Mailbox) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.KVFunc("Mailbox pending", func() any { return m.Pending() })
	debug.KVFunc("Mailbox in flight", func() any { return m.inFlight.Load() })
	debug.KVFunc("Mailbox faults", func() any { return m.faults.Load() })

	debug.HandleFunc("mailbox", "mailbox and IPCC channel counters", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		httputil.WriteJSONOK(w, m.Stats())
	})
}
