package core

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

const semesterCacheTTL = 24 * time.Hour

func semesterCacheKey(userID string) string {
	return "jwxt:semester:" + userID
}

// registerJwxtRoutes mounts the academic-affairs proxy. The group must run
// behind RequireLogin.
func registerJwxtRoutes(g *gin.RouterGroup, deps RouterDeps) {
	// token logs in with the caller's bound credential; on failure the
	// response has already been written.
	token := func(c *gin.Context) (string, bool) {
		tok, err := deps.Bridge.ResolveToken(c.Request.Context(), currentUserID(c))
		if err != nil {
			respondJwxtError(c, err)
			return "", false
		}
		return tok, true
	}

	g.GET("/course", func(c *gin.Context) {
		tok, ok := token(c)
		if !ok {
			return
		}
		data, err := deps.Jwxt.GetCourses(c.Request.Context(), tok, c.Query("semester_id"), currentUserID(c))
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, data)
	})

	g.GET("/course/refresh", func(c *gin.Context) {
		ctx := c.Request.Context()
		uid := currentUserID(c)
		if _, err := deps.Jwxt.ClearCourseCache(ctx, uid); err != nil {
			logHandlerError(c, "course cache clear failed", err)
		}
		tok, ok := token(c)
		if !ok {
			return
		}
		data, err := deps.Jwxt.GetCourses(ctx, tok, c.Query("semester_id"), uid)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, data)
	})

	g.GET("/grade", func(c *gin.Context) {
		tok, ok := token(c)
		if !ok {
			return
		}
		data, err := deps.Jwxt.GetGrades(c.Request.Context(), tok, c.Query("semester_id"))
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, data)
	})

	g.GET("/exam", func(c *gin.Context) {
		tok, ok := token(c)
		if !ok {
			return
		}
		data, err := deps.Jwxt.GetExams(c.Request.Context(), tok, c.Query("semester_id"))
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, data)
	})

	g.GET("/semester", func(c *gin.Context) {
		ctx := c.Request.Context()
		key := semesterCacheKey(currentUserID(c))
		if deps.Cache != nil {
			if v, hit, err := deps.Cache.Get(ctx, key); err == nil && hit {
				var list SemesterList
				if json.Unmarshal([]byte(v), &list) == nil {
					c.JSON(http.StatusOK, list)
					return
				}
			}
		}
		tok, ok := token(c)
		if !ok {
			return
		}
		list, err := deps.Jwxt.GetSemesters(ctx, tok)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		if deps.Cache != nil && len(list.Semesters) > 0 {
			if b, err := json.Marshal(list); err == nil {
				if err := deps.Cache.Set(ctx, key, string(b), semesterCacheTTL); err != nil {
					logHandlerError(c, "semester cache write failed", err)
				}
			}
		}
		c.JSON(http.StatusOK, list)
	})

	g.GET("/evaluation/pending", func(c *gin.Context) {
		tok, ok := token(c)
		if !ok {
			return
		}
		items, err := deps.Jwxt.GetEvaluationPending(c.Request.Context(), tok)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"evaluations": items, "total": len(items)})
	})

	g.POST("/evaluation/submit/:id", func(c *gin.Context) {
		id := strings.TrimSpace(c.Param("id"))
		var req EvaluationSubmission
		if err := c.ShouldBindJSON(&req); err != nil || id == "" {
			respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid evaluation submission")
			return
		}
		tok, ok := token(c)
		if !ok {
			return
		}
		res, err := deps.Jwxt.SubmitEvaluation(c.Request.Context(), tok, id, req)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	g.POST("/evaluation/auto", func(c *gin.Context) {
		tok, ok := token(c)
		if !ok {
			return
		}
		res, err := deps.Jwxt.AutoEvaluate(c.Request.Context(), tok)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})

	g.GET("/user", func(c *gin.Context) {
		tok, ok := token(c)
		if !ok {
			return
		}
		info, err := deps.Jwxt.GetUserInfo(c.Request.Context(), tok)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	g.GET("/status", func(c *gin.Context) {
		bound, username, err := deps.Bridge.Bound(c.Request.Context(), currentUserID(c))
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"bound": bound, "jwxt_username": username})
	})

	g.POST("/bind", func(c *gin.Context) {
		var req struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
			return
		}
		ctx := c.Request.Context()
		uid := currentUserID(c)
		sess, err := deps.Bridge.Bind(ctx, uid, req.Username, req.Password)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		dropUserJwxtCaches(c, deps, uid)
		c.JSON(http.StatusOK, gin.H{
			"bound":         true,
			"jwxt_username": strings.TrimSpace(req.Username),
			"user_info":     sess.UserInfo,
		})
	})

	g.POST("/unbind", func(c *gin.Context) {
		uid := currentUserID(c)
		if err := deps.Bridge.Unbind(c.Request.Context(), uid); err != nil {
			respondJwxtError(c, err)
			return
		}
		dropUserJwxtCaches(c, deps, uid)
		c.JSON(http.StatusOK, gin.H{"bound": false})
	})
}

// dropUserJwxtCaches forgets data fetched with a previously bound account.
func dropUserJwxtCaches(c *gin.Context, deps RouterDeps, userID string) {
	ctx := c.Request.Context()
	if _, err := deps.Jwxt.ClearCourseCache(ctx, userID); err != nil {
		logHandlerError(c, "course cache clear failed", err)
	}
	if deps.Cache != nil {
		if err := deps.Cache.Del(ctx, semesterCacheKey(userID)); err != nil {
			logHandlerError(c, "semester cache clear failed", err)
		}
	}
}

// registerJwxtAdminRoutes mounts cache administration. The group must run behind AdminOnly.
func registerJwxtAdminRoutes(g *gin.RouterGroup, deps RouterDeps) {
	g.DELETE("/cache/courses/:userId", func(c *gin.Context) {
		n, err := deps.Jwxt.ClearCourseCache(c.Request.Context(), c.Param("userId"))
		if err != nil {
			respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": n})
	})

	g.GET("/cache/stats", func(c *gin.Context) {
		ctx := c.Request.Context()
		upstream, err := deps.Jwxt.GetCacheStats(ctx)
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		resp := gin.H{"upstream": upstream}
		if deps.Cache != nil {
			resp["local"] = deps.Cache.Stats(ctx)
		}
		c.JSON(http.StatusOK, resp)
	})

	g.POST("/cache/clear", func(c *gin.Context) {
		var req struct {
			Pattern string `json:"pattern"`
		}
		// empty body clears everything
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid json")
				return
			}
		}
		res, err := deps.Jwxt.ClearUpstreamCache(c.Request.Context(), strings.TrimSpace(req.Pattern))
		if err != nil {
			respondJwxtError(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	})
}
