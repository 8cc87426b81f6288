package auth

import (
	"errors"
	"net/http"
	"strings"

	"usage_ingest/internal/utils"
)

type tokenRequest struct {
	ServiceName string `json:"service_name"`
	Token       string `json:"token"`
}

func verifyServiceToken(rawToken, hash string) (bool, error) {
	if strings.TrimSpace(rawToken) == "" {
		return false, nil
	}
	return utils.VerifyPasswordArgon2(rawToken, hash)
}

// TokenHandler exchanges a service token for an admin JWT. The token is
// read from the X-Service-Token header or a JSON body.
func TokenHandler(issuer *Issuer) http.HandlerFunc {
	logger := utils.NewLogger("auth")
	return func(w http.ResponseWriter, r *http.Request) {
		req := tokenRequest{
			ServiceName: r.Header.Get("X-Service-Name"),
			Token:       r.Header.Get("X-Service-Token"),
		}
		if req.Token == "" && r.ContentLength != 0 {
			if err := utils.DecodeJSONBody(r, &req); err != nil {
				utils.RespondWithError(w, http.StatusBadRequest, "Invalid request body")
				return
			}
		}
		if req.Token == "" {
			utils.RespondWithError(w, http.StatusBadRequest, "Service token is required")
			return
		}

		token, exp, err := issuer.ExchangeServiceToken(req.ServiceName, req.Token)
		switch {
		case errors.Is(err, ErrTokenNotAccepted):
			logger.Warn("Rejected service token", "service", req.ServiceName, "remote_addr", r.RemoteAddr)
			utils.RespondWithError(w, http.StatusUnauthorized, "Invalid service token")
			return
		case errors.Is(err, ErrNoServiceTokenSet):
			utils.RespondWithError(w, http.StatusNotFound, "Token exchange is not configured")
			return
		case err != nil:
			logger.Error("Failed to issue token", "error", err)
			utils.RespondWithError(w, http.StatusInternalServerError, "Error generating token")
			return
		}

		utils.RespondWithJSON(w, http.StatusOK, map[string]interface{}{
			"token": token,
			"exp":   exp,
		})
	}
}
