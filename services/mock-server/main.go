package main

import (
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/services/mock-server/internal/mock"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	r := newRouter(mock.NewState(time.Now().UnixNano()))

	addr := fmt.Sprintf(":%s", port)
	log.Infof("Starting Herald mock API server on %s", addr)
	log.Fatal(http.ListenAndServe(addr, r))
}

func newRouter(state *mock.State) *gin.Engine {
	r := gin.Default()

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	for _, kind := range []string{"google", "microsoft"} {
		provider := r.Group("/" + kind)
		{
			provider.GET("/calendars/:subject/events", handleGetEvents(state))
			provider.POST("/token", handleRefresh(state))
		}
	}

	// Twilio-style SMS gateway
	r.POST("/Accounts/:sid/Messages.json", handleSendMessage(state))

	admin := r.Group("/admin")
	{
		admin.GET("/messages", func(c *gin.Context) {
			c.JSON(http.StatusOK, state.Messages())
		})
		admin.PUT("/calendars/:subject", handleSetEvents(state))
		admin.POST("/calendars/:subject/revoke", func(c *gin.Context) {
			state.Revoke(c.Param("subject"))
			c.Status(http.StatusNoContent)
		})
		admin.POST("/reset", func(c *gin.Context) {
			state.Reset()
			c.Status(http.StatusNoContent)
		})
	}

	return r
}

func handleGetEvents(state *mock.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := c.Param("subject")
		if c.GetHeader("Authorization") == "" || state.Revoked(subject) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}

		from, err := time.Parse(time.RFC3339, c.Query("timeMin"))
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeMin"})
			return
		}
		until, err := time.Parse(time.RFC3339, c.Query("timeMax"))
		if err != nil || !until.After(from) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid timeMax"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"items": state.Events(subject, from, until)})
	}
}

func handleRefresh(state *mock.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.PostForm("grant_type") != "refresh_token" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_grant_type"})
			return
		}
		token, ok := state.Refresh(c.PostForm("subject"), c.PostForm("refresh_token"))
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
			return
		}
		c.JSON(http.StatusOK, token)
	}
}

func handleSetEvents(state *mock.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		var events []mock.Event
		if err := c.ShouldBindJSON(&events); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		state.SetEvents(c.Param("subject"), events)
		c.Status(http.StatusNoContent)
	}
}

func handleSendMessage(state *mock.State) gin.HandlerFunc {
	return func(c *gin.Context) {
		sid := c.Param("sid")
		if user, _, ok := c.Request.BasicAuth(); !ok || user != sid {
			c.JSON(http.StatusUnauthorized, gin.H{"code": 20003, "message": "Authenticate"})
			return
		}

		to, from, body := c.PostForm("To"), c.PostForm("From"), c.PostForm("Body")
		if to == "" || body == "" {
			c.JSON(http.StatusBadRequest, gin.H{"code": 21604, "message": "A 'To' phone number and a 'Body' are required."})
			return
		}

		msg := state.Send(sid, to, from, body)
		log.WithFields(log.Fields{"sid": msg.SID, "to": to}).Info("Accepted message")
		c.JSON(http.StatusCreated, msg)
	}
}
