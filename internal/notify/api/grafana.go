package api

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/dispatch"
	"github.com/caasxyz/notification/internal/notify/errs"
)

// grafanaPayload is the Grafana unified-alerting webhook body, reduced to
// the fields the ingress maps onto a send request.
type grafanaPayload struct {
	Title   string `json:"title"`
	Status  string `json:"status"`
	Message string `json:"message"`
	Alerts  []struct {
		Status      string            `json:"status"`
		Labels      map[string]string `json:"labels"`
		Annotations map[string]string `json:"annotations"`
	} `json:"alerts"`
}

// handleGrafana handles POST /ingress/grafana: a format adapter that maps a
// Grafana alert payload onto the send pipeline. The route is gated by Basic
// auth instead of the HMAC scheme because Grafana webhook contact points can
// only attach static credentials. The target user and channels come from
// query parameters:
//
//	POST /ingress/grafana?user_id=oncall&channels=slack,telegram
func (s *Server) handleGrafana(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.checkGrafanaAuth(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="notification"`)
		writeError(w, errs.Auth(errs.CodeInvalidSignature, "invalid ingress credentials"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, errs.Validation(errs.CodeInvalidRequest, "request body too large or unreadable"))
		return
	}

	var payload grafanaPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, errs.Validation(errs.CodeInvalidRequest, "payload is not a Grafana alert webhook"))
		return
	}

	userID := r.URL.Query().Get("user_id")
	var channels []channel.Type
	for _, name := range strings.Split(r.URL.Query().Get("channels"), ",") {
		if name = strings.TrimSpace(name); name != "" {
			channels = append(channels, channel.Type(name))
		}
	}

	resp, err := s.dispatcher.Dispatch(r.Context(), &dispatch.Request{
		UserID:        userID,
		Channels:      channels,
		CustomContent: grafanaContent(&payload),
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeSuccess(w, sendData{RequestID: resp.RequestID, Results: resp.Results})
}

// checkGrafanaAuth verifies the Basic credentials in constant time.
func (s *Server) checkGrafanaAuth(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.cfg.GrafanaUser)) == 1
	passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.cfg.GrafanaPassword)) == 1
	return userOK && passOK
}

// grafanaContent flattens the alert payload into subject and content.
func grafanaContent(p *grafanaPayload) *dispatch.CustomContent {
	subject := p.Title
	if subject == "" {
		subject = fmt.Sprintf("Grafana alert: %s", p.Status)
	}

	var b strings.Builder
	if p.Message != "" {
		b.WriteString(p.Message)
	}
	for _, a := range p.Alerts {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		name := a.Labels["alertname"]
		if name == "" {
			name = "alert"
		}
		b.WriteString(fmt.Sprintf("[%s] %s", a.Status, name))
		if summary := a.Annotations["summary"]; summary != "" {
			b.WriteString(": " + summary)
		}
	}
	if b.Len() == 0 {
		b.WriteString(subject)
	}

	return &dispatch.CustomContent{Subject: subject, Content: b.String()}
}
