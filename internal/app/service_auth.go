package app

import (
	"context"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"lignage/api/internal/authpw"
)

// SignUpResult reports a created account. DevVerificationToken is only set
// when no SMTP server is configured, so local setups can verify without mail.
type SignUpResult struct {
	UserID               string
	DevVerificationToken string
}

// SignUp creates the account and mails the verification link when SMTP is up.
func (s *Service) SignUp(ctx context.Context, emailAddr, password, displayName string) (SignUpResult, error) {
	resp, err := s.authpw.SignUp(ctx, authpw.SignUpRequest{
		Email:       emailAddr,
		Password:    password,
		DisplayName: displayName,
	})
	if err != nil {
		if err.Error() == "email already registered" {
			return SignUpResult{}, domainError(http.StatusConflict, err.Error())
		}
		return SignUpResult{}, domainError(http.StatusBadRequest, err.Error())
	}

	result := SignUpResult{UserID: resp.UserID}
	if s.SMTPConfigured() {
		verifyURL := s.cfg.BaseURL + "/verify-email?token=" + url.QueryEscape(resp.VerificationToken)
		if err := s.email.SendVerificationEmail(emailAddr, displayName, verifyURL); err != nil {
			s.logger.Warn("verification email", zap.Error(err))
		}
	} else {
		result.DevVerificationToken = resp.VerificationToken
	}
	return result, nil
}

// VerifyEmail redeems a verification token.
func (s *Service) VerifyEmail(ctx context.Context, token string) error {
	if err := s.authpw.VerifyEmail(ctx, token); err != nil {
		return domainError(http.StatusBadRequest, err.Error())
	}
	return nil
}

// RequestPasswordReset always reports success to the caller; whether the
// email exists is never revealed. The reset token comes back directly only
// when SMTP is not configured.
func (s *Service) RequestPasswordReset(ctx context.Context, emailAddr string) (string, error) {
	token, err := s.authpw.RequestPasswordReset(ctx, emailAddr)
	if err != nil {
		return "", err
	}
	if token == "" {
		return "", nil
	}

	if s.SMTPConfigured() {
		resetURL := s.cfg.BaseURL + "/reset-password?token=" + url.QueryEscape(token)
		if err := s.email.SendPasswordResetEmail(emailAddr, "", resetURL); err != nil {
			s.logger.Warn("password reset email", zap.Error(err))
		}
		return "", nil
	}
	return token, nil
}

// ResetPassword sets a new password from a reset token.
func (s *Service) ResetPassword(ctx context.Context, token, newPassword string) error {
	if err := s.authpw.ResetPassword(ctx, authpw.ResetPasswordRequest{Token: token, NewPassword: newPassword}); err != nil {
		return domainError(http.StatusBadRequest, err.Error())
	}
	return nil
}
