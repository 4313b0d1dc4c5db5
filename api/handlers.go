package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/jmcleod/hermod/broker"
	"github.com/jmcleod/hermod/discovery"
)

// Auth is the authorization endpoint. Relying applications send the
// browser here with client_id, redirect_uri, login_hint and nonce; the
// broker either bounces it onward to a delegated provider or starts the
// email loop.
func (a *API) Auth(w http.ResponseWriter, r *http.Request) {
	params, err := requestParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Lets the relying application opt out of receiving errors on its
	// redirect_uri; the browser then gets a direct error response.
	relayErrors := true
	switch params.Get("response_errors") {
	case "", "true":
	case "false":
		relayErrors = false
	default:
		writeError(w, http.StatusBadRequest, "response_errors must be true or false")
		return
	}

	req := broker.Request{
		ClientID:     params.Get("client_id"),
		RedirectURI:  params.Get("redirect_uri"),
		LoginHint:    params.Get("login_hint"),
		Nonce:        params.Get("nonce"),
		State:        params.Get("state"),
		ResponseMode: params.Get("response_mode"),
		ResponseType: params.Get("response_type"),
		RemoteIP:     extractClientIP(r, a.cfg.TrustedProxies),
	}

	action, err := a.broker.BeginAuth(r.Context(), req)
	if err != nil {
		a.authError(w, r, req, relayErrors, err)
		return
	}

	switch act := action.(type) {
	case broker.RedirectToDelegate:
		http.Redirect(w, r, act.URL, http.StatusSeeOther)
	case broker.EmailLoopStarted:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		emailSentPage.Execute(w, map[string]string{
			"Email":    act.Email,
			"ClientID": req.ClientID,
		})
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authError reports a BeginAuth failure. Once client_id and redirect_uri
// have validated, errors are relayed to the relying application the same
// way a token would be; before that the browser gets a direct response.
func (a *API) authError(w http.ResponseWriter, r *http.Request, req broker.Request, relayErrors bool, err error) {
	a.logger.Warn("authorization request failed",
		"client_id", req.ClientID, "error", err)

	if errors.Is(err, broker.ErrInvalidRequest) || !relayErrors {
		mapError(w, err)
		return
	}

	msg := "temporarily_unavailable"
	if errors.Is(err, broker.ErrRateLimited) {
		msg = "rate_limited"
	}
	a.respondToRP(w, r, req.RedirectURI, req.ResponseMode, url.Values{
		"error": {msg},
		"state": {req.State},
	})
}

// ConfirmPage serves the landing page of the emailed link. The code is
// in the URL fragment; the page script moves it into the POST body.
func (a *API) ConfirmPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	confirmPage.Execute(w, map[string]string{
		"SessionID": r.URL.Query().Get("session"),
	})
}

// Confirm redeems a session and performs the final redirect back to the
// relying application.
func (a *API) Confirm(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "malformed form body")
		return
	}
	sessionID := r.PostForm.Get("session")
	code := r.PostForm.Get("code")
	if sessionID == "" || code == "" {
		writeError(w, http.StatusBadRequest, "session and code are required")
		return
	}

	conf, err := a.broker.Confirm(r.Context(), sessionID, code)
	if err != nil {
		mapError(w, err)
		return
	}

	fields := url.Values{"id_token": {conf.Token}}
	if conf.State != "" {
		fields.Set("state", conf.State)
	}
	a.respondToRP(w, r, conf.RedirectURI, conf.ResponseMode, fields)
}

// respondToRP delivers fields to the relying application per the
// requested response mode: a fragment redirect (values never reach the
// RP's server logs) or an auto-submitted form POST.
func (a *API) respondToRP(w http.ResponseWriter, r *http.Request, redirectURI, responseMode string, fields url.Values) {
	for k, vs := range fields {
		if len(vs) == 0 || vs[0] == "" {
			fields.Del(k)
		}
	}
	switch responseMode {
	case broker.ResponseModeFormPost:
		flat := make(map[string]string, len(fields))
		for k := range fields {
			flat[k] = fields.Get(k)
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		formPostPage.Execute(w, map[string]any{
			"RedirectURI": redirectURI,
			"Fields":      flat,
		})
	default:
		http.Redirect(w, r, redirectURI+"#"+fields.Encode(), http.StatusSeeOther)
	}
}

// KeySet publishes all live verification keys as a JWK set. Relying
// applications fetch this to verify identity tokens.
func (a *API) KeySet(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(a.cfg.KeysTTL.Seconds())))
	writeJSON(w, http.StatusOK, map[string]any{
		"keys": a.keys.PublicKeySet(),
	})
}

// Metadata serves the discovery document other brokers (and relying
// applications) use to find this broker's endpoints.
func (a *API) Metadata(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", int(a.cfg.DocumentTTL.Seconds())))
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                                a.cfg.PublicURL,
		"authorization_endpoint":                a.cfg.PublicURL + "/auth",
		"jwks_uri":                              a.cfg.PublicURL + "/keys.json",
		"scopes_supported":                      []string{"openid", "email"},
		"claims_supported":                      []string{"iss", "aud", "exp", "iat", "email", "nonce"},
		"response_types_supported":              []string{"id_token"},
		"response_modes_supported":              []string{"fragment", "form_post"},
		"grant_types_supported":                 []string{"implicit"},
		"subject_types_supported":               []string{"public"},
		"id_token_signing_alg_values_supported": []string{string(a.cfg.Algorithm)},
	})
}

// WebFinger advertises this broker as a native provider, so another
// broker probing a domain served here delegates instead of running its
// own email loop.
func (a *API) WebFinger(w http.ResponseWriter, r *http.Request) {
	resource := r.URL.Query().Get("resource")
	if resource == "" {
		writeError(w, http.StatusBadRequest, "resource parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"subject": resource,
		"links": []map[string]string{
			{"rel": discovery.RelBroker, "href": a.cfg.PublicURL},
		},
	})
}

func requestParams(r *http.Request) (url.Values, error) {
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			return nil, fmt.Errorf("malformed form body")
		}
		return r.PostForm, nil
	}
	return r.URL.Query(), nil
}
