package main

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/liamstask/go-rtps/v2/rtps"
)

// statusSource is the part of a participant the status endpoints read.
type statusSource interface {
	GUIDPrefix() rtps.GUIDPrefix
	ParticipantID() int
	Participants() ([]rtps.ParticipantProxy, error)
	Endpoints() ([]rtps.EndpointData, error)
}

type participantView struct {
	Prefix        string    `json:"prefix"`
	Vendor        string    `json:"vendor"`
	EntityName    string    `json:"entity_name,omitempty"`
	LeaseDuration string    `json:"lease_duration"`
	LastSeen      time.Time `json:"last_seen"`
	Expires       time.Time `json:"expires"`
	MetaUnicast   []string  `json:"metatraffic_unicast"`
	Unicast       []string  `json:"default_unicast"`
}

type endpointView struct {
	GUID        string `json:"guid"`
	Writer      bool   `json:"writer"`
	Topic       string `json:"topic"`
	TypeName    string `json:"type_name"`
	Reliability string `json:"reliability"`
	Durability  string `json:"durability"`
}

func locatorStrings(locs []rtps.Locator) []string {
	out := make([]string, 0, len(locs))
	for _, l := range locs {
		out = append(out, l.String())
	}
	return out
}

func newStatusRouter(src statusSource, gatherer prometheus.Gatherer) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/self", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, map[string]interface{}{
			"prefix":         src.GUIDPrefix().String(),
			"participant_id": src.ParticipantID(),
		})
	})

	r.Get("/participants", func(w http.ResponseWriter, req *http.Request) {
		pps, err := src.Participants()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		views := make([]participantView, 0, len(pps))
		for i := range pps {
			pp := &pps[i]
			views = append(views, participantView{
				Prefix:        pp.Prefix.String(),
				Vendor:        pp.Vendor.String(),
				EntityName:    pp.EntityName,
				LeaseDuration: pp.LeaseDuration.String(),
				LastSeen:      pp.LastSeen,
				Expires:       pp.Expires(),
				MetaUnicast:   locatorStrings(pp.MetaUnicast),
				Unicast:       locatorStrings(pp.DefaultUnicast),
			})
		}
		writeJSON(w, views)
	})

	r.Get("/endpoints", func(w http.ResponseWriter, req *http.Request) {
		eps, err := src.Endpoints()
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		topic := req.URL.Query().Get("topic")
		views := make([]endpointView, 0, len(eps))
		for i := range eps {
			ed := &eps[i]
			if topic != "" && ed.Topic != topic {
				continue
			}
			views = append(views, endpointView{
				GUID:        ed.GUID.String(),
				Writer:      ed.IsWriter(),
				Topic:       ed.Topic,
				TypeName:    ed.TypeName,
				Reliability: ed.Qos.Reliability.String(),
				Durability:  ed.Qos.Durability.String(),
			})
		}
		writeJSON(w, views)
	})

	return r
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
