package core

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/sessions"
)

const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// RouterDeps are the services the HTTP layer calls into.
type RouterDeps struct {
	Auth          AuthService
	Users         UserRepository
	Accounts      *AccountService
	Announcements AnnouncementRepository
	Jwxt          JwxtClient
	Bridge        *CredentialBridge
	Cache         *CacheStore
	Metrics       *Metrics
}

// NewRouter constructs the Gin engine with routes wired.
func NewRouter(cfg Config, store *sessions.CookieStore, deps RouterDeps) *gin.Engine {
	startedAt := time.Now()
	r := gin.Default()

	// Global middleware: origin/CORS -> session -> CSRF
	r.Use(OriginRefererMiddleware(cfg))
	r.Use(SessionMiddleware(cfg, store))
	r.Use(CSRFMiddleware(cfg, store))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "cache": deps.Cache.Mode()})
	})
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	api := r.Group("/api/v1")
	{
		api.POST("/auth/login", func(c *gin.Context) {
			var req struct {
				Login    string `json:"login"`
				Username string `json:"username"`
				Password string `json:"password"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}

			user, err := deps.Auth.Authenticate(c.Request.Context(), firstNonEmpty(req.Login, req.Username), req.Password)
			switch {
			case errors.Is(err, ErrAccountDisabled):
				respondError(c, http.StatusForbidden, "ACCOUNT_DISABLED", "账号已被禁用")
				return
			case err != nil:
				respondError(c, http.StatusUnauthorized, "INVALID_CREDENTIALS", "用户名或密码错误")
				return
			}

			if err := startSession(c, cfg, store, user); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set session")
				return
			}

			c.JSON(http.StatusOK, gin.H{"user": user})
		})

		api.POST("/auth/logout", func(c *gin.Context) {
			sess := sessionFrom(c)
			if sess == nil {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "请先登录")
				return
			}
			if err := endSession(c, cfg, sess); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to clear session")
				return
			}
			c.Status(http.StatusNoContent)
		})

		api.POST("/auth/register", func(c *gin.Context) {
			var req struct {
				Username     string `json:"username" binding:"required"`
				Password     string `json:"password" binding:"required"`
				Email        string `json:"email" binding:"required,email"`
				EmailToken   string `json:"email_token" binding:"required"`
				StudentID    string `json:"student_id" binding:"required"`
				JwxtPassword string `json:"jwxt_password" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "username、password、email、email_token、student_id 和 jwxt_password 为必填项")
				return
			}
			user, err := deps.Accounts.Register(c.Request.Context(), Registration{
				Username:     req.Username,
				Password:     req.Password,
				Email:        req.Email,
				EmailToken:   req.EmailToken,
				StudentID:    req.StudentID,
				JwxtPassword: req.JwxtPassword,
			})
			if err != nil {
				respondAccountError(c, err)
				return
			}
			if err := startSession(c, cfg, store, user); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to set session")
				return
			}
			c.JSON(http.StatusCreated, gin.H{"user": user})
		})

		api.POST("/auth/verification-code", func(c *gin.Context) {
			var req struct {
				Email string `json:"email" binding:"required,email"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "请输入有效的邮箱地址")
				return
			}
			if err := deps.Accounts.SendEmailVerification(c.Request.Context(), req.Email); err != nil {
				respondAccountError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "验证码已发送", "expires_in": int(CodeTTL / time.Second)})
		})

		api.POST("/auth/verification-code/verify", func(c *gin.Context) {
			var req struct {
				Email string `json:"email" binding:"required,email"`
				Code  string `json:"code" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "email 和 code 为必填项")
				return
			}
			token, err := deps.Accounts.VerifyEmail(c.Request.Context(), req.Email, req.Code)
			if err != nil {
				respondAccountError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"verified_token": token, "expires_in": int(EmailVerifiedTokenTTL / time.Second)})
		})

		api.POST("/auth/password-reset/code", func(c *gin.Context) {
			var req struct {
				Email string `json:"email" binding:"required,email"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "请输入有效的邮箱地址")
				return
			}
			if err := deps.Accounts.SendResetCode(c.Request.Context(), req.Email); err != nil {
				respondAccountError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "验证码已发送", "expires_in": int(CodeTTL / time.Second)})
		})

		api.POST("/auth/password-reset/verify", func(c *gin.Context) {
			var req struct {
				Email string `json:"email" binding:"required,email"`
				Code  string `json:"code" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "email 和 code 为必填项")
				return
			}
			token, err := deps.Accounts.IssueResetToken(c.Request.Context(), req.Email, req.Code)
			if err != nil {
				respondAccountError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"reset_token": token, "expires_in": int(ResetTokenTTL / time.Second)})
		})

		api.POST("/auth/password-reset", func(c *gin.Context) {
			var req struct {
				Token       string `json:"token" binding:"required"`
				NewPassword string `json:"new_password" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "token 和 new_password 为必填项")
				return
			}
			if err := deps.Accounts.ResetPassword(c.Request.Context(), req.Token, req.NewPassword); err != nil {
				respondAccountError(c, err)
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "密码已重置"})
		})

		authed := api.Group("")
		authed.Use(RequireLogin())

		authed.GET("/users/me", func(c *gin.Context) {
			u, err := deps.Users.FindByID(c.Request.Context(), currentUserID(c))
			if err != nil {
				respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "用户不存在")
				return
			}
			c.JSON(http.StatusOK, userFromRecord(u))
		})

		// A changed password signs the caller out.
		authed.POST("/auth/change-password", func(c *gin.Context) {
			var req struct {
				OldPassword string `json:"old_password" binding:"required"`
				NewPassword string `json:"new_password" binding:"required"`
			}
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "old_password 和 new_password 为必填项")
				return
			}
			if err := deps.Accounts.ChangePassword(c.Request.Context(), currentUserID(c), req.OldPassword, req.NewPassword); err != nil {
				respondAccountError(c, err)
				return
			}
			if err := endSession(c, cfg, sessionFrom(c)); err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to clear session")
				return
			}
			c.JSON(http.StatusOK, gin.H{"message": "密码修改成功，请重新登录"})
		})

		authed.GET("/announcements", func(c *gin.Context) {
			page, perPage, err := parsePagination(c.Query("page"), c.Query("per_page"))
			if err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
				return
			}
			items, total, err := deps.Announcements.List(c.Request.Context(), page, perPage)
			if err != nil {
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch announcements")
				return
			}
			c.JSON(http.StatusOK, gin.H{
				"items":       items,
				"page":        page,
				"per_page":    perPage,
				"total_items": total,
				"total_pages": calcTotalPages(total, perPage),
			})
		})

		authed.GET("/announcements/:id", func(c *gin.Context) {
			id, err := strconv.ParseInt(c.Param("id"), 10, 64)
			if err != nil || id <= 0 {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid id")
				return
			}
			a, err := deps.Announcements.Get(c.Request.Context(), id)
			if err != nil {
				if errors.Is(err, ErrAnnouncementNotFound) {
					respondError(c, http.StatusNotFound, "NOT_FOUND", "公告不存在")
					return
				}
				respondError(c, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "failed to fetch announcement")
				return
			}
			c.JSON(http.StatusOK, a)
		})

		registerJwxtRoutes(authed.Group("/jwxt"), deps)

		admin := authed.Group("/admin")
		admin.Use(AdminOnly())

		admin.GET("/system/status", func(c *gin.Context) {
			c.JSON(http.StatusOK, CollectSystemStatus(c.Request.Context(), deps.Cache, deps.Jwxt, cfg.JwxtServiceURL, startedAt))
		})

		registerJwxtAdminRoutes(admin.Group("/jwxt"), deps)
	}

	return r
}

func parsePagination(pageStr, perPageStr string) (int, int, error) {
	page := 1
	perPage := defaultPerPage
	if strings.TrimSpace(pageStr) != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("page 必须是大于等于 1 的整数")
		}
		page = p
	}
	if strings.TrimSpace(perPageStr) != "" {
		p, err := strconv.Atoi(perPageStr)
		if err != nil || p <= 0 {
			return 0, 0, errors.New("per_page 必须是大于等于 1 的整数")
		}
		if p > maxPerPage {
			p = maxPerPage
		}
		perPage = p
	}
	return page, perPage, nil
}

func calcTotalPages(total, perPage int) int {
	if perPage <= 0 {
		return 0
	}
	return (total + perPage - 1) / perPage
}

func logHandlerError(c *gin.Context, msg string, err error) {
	slog.Error(msg, "path", c.FullPath(), "user_id", currentUserID(c), "err", err)
}
