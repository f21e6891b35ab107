package core

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// respondError sends unified error payload {"error": {"code", "message"}}.
func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"code": code, "message": message}})
}

// respondJwxtError maps academic-affairs failures to the error envelope.
// NotBound and AuthFailed get their own codes so clients can route the user.
func respondJwxtError(c *gin.Context, err error) {
	var (
		authErr      *UpstreamAuthError
		upstreamErr  *UpstreamError
		transportErr *TransportError
	)
	switch {
	case errors.Is(err, ErrNotBound):
		respondError(c, http.StatusBadRequest, "JWXT_NOT_BOUND", "请先绑定教务系统账号")
	case errors.As(err, &authErr):
		msg := "教务系统账号或密码错误，请重新绑定"
		if authErr.Message != "" {
			msg = authErr.Message
		}
		respondError(c, http.StatusBadRequest, "JWXT_AUTH_FAILED", msg)
	case errors.As(err, &upstreamErr):
		status := upstreamErr.HTTPStatus
		if status < 400 {
			status = http.StatusBadGateway
		}
		respondError(c, status, "UPSTREAM_ERROR", "教务系统服务错误: "+upstreamErr.Message)
	case errors.As(err, &transportErr):
		respondError(c, http.StatusBadGateway, "UPSTREAM_ERROR", upstreamFallbackText)
	case errors.Is(err, ErrUserNotFound):
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "用户不存在")
	default:
		slog.Error("jwxt handler failed", "path", c.FullPath(), "err", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "服务器内部错误")
	}
}

// respondAccountError maps the account lifecycle failures. Academic-affairs
// errors raised while registering go through respondJwxtError.
func respondAccountError(c *gin.Context, err error) {
	var (
		upstreamErr  *UpstreamError
		transportErr *TransportError
	)
	switch {
	case errors.Is(err, ErrUpstreamAuthFailed), errors.As(err, &upstreamErr), errors.As(err, &transportErr):
		respondJwxtError(c, err)
	case errors.Is(err, ErrCodeTooFrequent):
		respondError(c, http.StatusTooManyRequests, "CODE_TOO_FREQUENT", "验证码发送过于频繁，请稍后再试")
	case errors.Is(err, ErrCodeExpired):
		respondError(c, http.StatusBadRequest, "CODE_EXPIRED", "验证码已过期或不存在")
	case errors.Is(err, ErrCodeInvalid):
		respondError(c, http.StatusBadRequest, "CODE_INVALID", "验证码错误")
	case errors.Is(err, ErrCodeDelivery):
		respondError(c, http.StatusBadRequest, "CODE_DELIVERY_FAILED", "验证码发送失败")
	case errors.Is(err, ErrInvalidToken):
		respondError(c, http.StatusBadRequest, "INVALID_TOKEN", "令牌无效或已过期")
	case errors.Is(err, ErrEmailTaken):
		respondError(c, http.StatusConflict, "EMAIL_TAKEN", "该邮箱已被注册")
	case errors.Is(err, ErrEmailNotRegistered):
		respondError(c, http.StatusNotFound, "EMAIL_NOT_REGISTERED", "该邮箱未注册")
	case errors.Is(err, ErrUsernameTaken):
		respondError(c, http.StatusConflict, "USERNAME_TAKEN", "用户名已存在")
	case errors.Is(err, ErrStudentIDTaken):
		respondError(c, http.StatusConflict, "STUDENT_ID_TAKEN", "学号已被注册")
	case errors.Is(err, ErrWeakPassword):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "密码至少6位")
	case errors.Is(err, ErrInvalidRegistration):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "用户名须为3-32位字母、数字或下划线，学号和教务系统密码不能为空")
	case errors.Is(err, ErrWrongPassword):
		respondError(c, http.StatusBadRequest, "WRONG_PASSWORD", "旧密码错误")
	case errors.Is(err, ErrUserNotFound):
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "用户不存在")
	default:
		slog.Error("account handler failed", "path", c.FullPath(), "err", err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "服务器内部错误")
	}
}
