package auth

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"strings"
)

// ErrMalformedFragment indicates a fragment payload that could not be decoded.
var ErrMalformedFragment = errors.New("auth: malformed login fragment")

// EnvelopeUser is the user profile carried inside a login result envelope.
type EnvelopeUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Handle      string `json:"username,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// EnvelopePayload carries the issued credential on a successful handshake.
type EnvelopePayload struct {
	AccessToken string        `json:"accessToken"`
	TokenType   string        `json:"tokenType"`
	ExpiresIn   int64         `json:"expiresIn"`
	User        *EnvelopeUser `json:"user,omitempty"`
}

// Envelope is the login result shape shared by both delivery variants:
// posted as a cross-window message in popup mode, or base64url-encoded
// into a URL fragment in redirect mode.
type Envelope struct {
	Type    string           `json:"type"`
	Success bool             `json:"success"`
	State   string           `json:"state,omitempty"`
	Payload *EnvelopePayload `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// EncodeFragment serializes the envelope for URL fragment delivery.
func EncodeFragment(envelope Envelope) (string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeFragment parses a base64url fragment payload back into an envelope.
func DecodeFragment(encoded string) (Envelope, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(encoded, "="))
	if err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFragment, err)
	}
	return envelope, nil
}

// FragmentURL builds the redirect target delivering the envelope to the origin page.
func FragmentURL(origin, fragmentPrefix string, envelope Envelope) (string, error) {
	encoded, err := EncodeFragment(envelope)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(origin, "/") + "/#" + fragmentPrefix + "=" + encoded, nil
}

var popupTemplate = template.Must(template.New("popup").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>ログイン処理中…</title></head>
<body>
<script>
(function () {
  var message = {{.MessageJSON}};
  var target = {{.TargetOrigin}};
  if (window.opener) {
    window.opener.postMessage(message, target);
  }
  window.close();
})();
</script>
</body>
</html>
`))

type popupDocumentData struct {
	MessageJSON  template.JS
	TargetOrigin string
}

// PopupDocument renders the callback page that relays the envelope to the
// opener window. The message is targeted at the stored origin, never "*".
func PopupDocument(envelope Envelope, targetOrigin string) (string, error) {
	raw, err := json.Marshal(envelope)
	if err != nil {
		return "", err
	}
	var builder strings.Builder
	err = popupTemplate.Execute(&builder, popupDocumentData{
		MessageJSON:  template.JS(raw),
		TargetOrigin: targetOrigin,
	})
	if err != nil {
		return "", err
	}
	return builder.String(), nil
}
