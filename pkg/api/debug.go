package api

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	twilio "github.com/twilio/twilio-go"
)

const (
	presenceSet     = "✓ Set"
	presenceMissing = "✗ Missing"
)

type debugResponse struct {
	Environment   string            `json:"environment"`
	EnvVars       map[string]string `json:"envVars"`
	AccountStatus string            `json:"accountStatus,omitempty"`
	AccountError  string            `json:"accountError,omitempty"`
}

// handleDebug показывает, какие параметры провайдера заданы.
// Доступен только в режиме разработки.
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.IsDevelopment() {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "Not found"})
		return
	}

	resp := debugResponse{
		Environment: s.cfg.Environment,
		EnvVars:     make(map[string]string),
	}
	for _, v := range s.cfg.Twilio.Presence() {
		if v.Set {
			resp.EnvVars[v.Name] = presenceSet
		} else {
			resp.EnvVars[v.Name] = presenceMissing
		}
	}

	if r.URL.Query().Get("verify") != "" && s.accounts != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		defer cancel()
		status, err := s.accounts.AccountStatus(ctx)
		if err != nil {
			resp.AccountError = err.Error()
		} else {
			resp.AccountStatus = status
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// TwilioAccounts проверяет аккаунт через REST API провайдера
type TwilioAccounts struct {
	client     *twilio.RestClient
	accountSID string
}

// NewTwilioAccounts создает клиент REST API
func NewTwilioAccounts(accountSID, authToken string) *TwilioAccounts {
	return &TwilioAccounts{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		accountSID: accountSID,
	}
}

// AccountStatus возвращает статус аккаунта (active, suspended, closed)
func (t *TwilioAccounts) AccountStatus(ctx context.Context) (string, error) {
	type result struct {
		status string
		err    error
	}
	done := make(chan result, 1)
	go func() {
		acct, err := t.client.Api.FetchAccount(t.accountSID)
		if err != nil {
			done <- result{err: errors.Wrap(err, "fetch account")}
			return
		}
		status := "unknown"
		if acct.Status != nil {
			status = *acct.Status
		}
		done <- result{status: status}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-done:
		return res.status, res.err
	}
}
