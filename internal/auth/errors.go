package auth

import (
	"errors"

	"github.com/criminalytix/seenpredyct/internal/apiclient"
)

var (
	ErrNotAuthenticated = errors.New("not authenticated")
	ErrForbidden        = errors.New("insufficient role")
	ErrInvalidInput     = errors.New("invalid input")
	// ErrProfileNotFound is returned by profile stores for an unknown user.
	ErrProfileNotFound = errors.New("profile not found")
	// ErrBootstrapToken is returned when an admin creation request carries no token.
	ErrBootstrapToken = errors.New("bootstrap token is required")
)

// Provider messages that drive control flow.
const (
	msgEmailNotConfirmed = "Email not confirmed"
)

// translations maps identity provider messages to operator-facing text.
var translations = map[string]string{
	"Invalid login credentials":                        "Email ou mot de passe incorrect",
	msgEmailNotConfirmed:                               "Veuillez confirmer votre adresse email avant de vous connecter",
	"User already registered":                          "Un compte existe déjà avec cet email",
	"Password should be at least 6 characters":         "Le mot de passe doit contenir au moins 6 caractères",
	"Unable to validate email address: invalid format": "Format d'email invalide",
	"Email rate limit exceeded":                        "Trop de tentatives, veuillez réessayer plus tard",
	"User not found":                                   "Utilisateur introuvable",
	"Signup requires a valid password":                 "Un mot de passe valide est requis",
}

// TranslateMessage returns the localized text for a provider message, or
// msg unchanged when it is unknown.
func TranslateMessage(msg string) string {
	if t, ok := translations[msg]; ok {
		return t
	}
	return msg
}

// translate localizes the message of an API error, keeping its status,
// code and cause. Other errors are returned as is.
func translate(err error) error {
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	translated := *apiErr
	translated.Message = TranslateMessage(apiErr.Message)
	return &translated
}

// isEmailNotConfirmed reports whether err is the provider's unconfirmed
// email rejection, before or after translation.
func isEmailNotConfirmed(err error) bool {
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Message == msgEmailNotConfirmed || apiErr.Message == translations[msgEmailNotConfirmed] ||
		apiErr.Code == "email_not_confirmed"
}
