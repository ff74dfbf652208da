package server

import (
	"encoding/json"
	"net/http"

	"github.com/nbd-wtf/go-nostr/nip11"
)

const (
	softwareURL     = "https://github.com/vidahq/vidarelay"
	softwareVersion = "0.3.0"
)

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	settings := s.settings()
	limits := settings.Limits.Event

	maxContentLength := 0
	for _, limit := range limits.Content {
		// The universal record, when present, is the advertised cap.
		if len(limit.Kinds) == 0 && (maxContentLength == 0 || limit.MaxLength < maxContentLength) {
			maxContentLength = limit.MaxLength
		}
	}

	doc := nip11.RelayInformationDocument{
		Name:          settings.Info.Name,
		Description:   settings.Info.Description,
		PubKey:        settings.Info.Pubkey,
		Contact:       settings.Info.Contact,
		SupportedNIPs: []int{1, 9, 11, 13, 40},
		Software:      softwareURL,
		Version:       softwareVersion,
		PaymentsURL:   settings.Info.PaymentsURL,
		Limitation: &nip11.RelayLimitationDocument{
			MaxContentLength: maxContentLength,
			MinPowDifficulty: limits.EventID.MinLeadingZeroBits,
			PaymentRequired:  settings.Payments.Enabled,
		},
	}

	w.Header().Set("Content-Type", "application/nostr+json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	if err := json.NewEncoder(w).Encode(doc); err != nil {
		s.log.Warn("write relay information document", "error", err.Error())
	}
}
