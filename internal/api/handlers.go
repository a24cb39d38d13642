package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/dispatch"
	"github.com/stoik/herald/internal/invite"
	"github.com/stoik/herald/internal/models"
)

type recipientResponse struct {
	DelegateID *uuid.UUID `json:"delegate_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	Phone      string     `json:"phone"`
	Status     string     `json:"status"`
	MessageID  string     `json:"message_id,omitempty"`
	Error      string     `json:"error,omitempty"`
}

type outcomeResponse struct {
	AccountID  uuid.UUID           `json:"account_id"`
	LocalDate  string              `json:"local_date"`
	EventCount int                 `json:"event_count"`
	Primary    *recipientResponse  `json:"primary,omitempty"`
	Delegates  []recipientResponse `json:"delegates"`
	Stamped    bool                `json:"stamped"`
	Manual     bool                `json:"manual"`
}

type tickResponse struct {
	StartedAt      time.Time `json:"started_at"`
	DurationMillis int64     `json:"duration_ms"`
	Checked        int       `json:"checked"`
	Due            int       `json:"due"`
	Dispatched     int       `json:"dispatched"`
	Failed         int       `json:"failed"`
	ReauthRequired int       `json:"reauth_required"`
	ConfigErrors   int       `json:"config_errors"`
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "herald",
	})
}

func (s *Server) due(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	due, err := s.core.EvaluateDueNow(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "due": due})
}

func (s *Server) dispatch(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	outcome, err := s.core.TriggerManualDispatch(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, toOutcomeResponse(outcome))
}

func (s *Server) history(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	records, err := s.accounts.History(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if records == nil {
		records = []models.DeliveryRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"account_id": id, "history": records})
}

func (s *Server) createInvitation(c *gin.Context) {
	id, ok := accountID(c)
	if !ok {
		return
	}
	if _, err := s.accounts.Get(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	inv, err := s.codes.Create(id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, inv)
}

func (s *Server) join(c *gin.Context) {
	var req invite.JoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abort(c, http.StatusBadRequest, "invalid request body")
		return
	}
	res, err := s.joiner.Join(c.Request.Context(), c.Param("code"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

func (s *Server) tick(c *gin.Context) {
	summary := s.core.RunTickManually(c.Request.Context())
	c.JSON(http.StatusOK, tickResponse{
		StartedAt:      summary.StartedAt,
		DurationMillis: summary.Duration.Milliseconds(),
		Checked:        summary.Checked,
		Due:            summary.Due,
		Dispatched:     summary.Dispatched,
		Failed:         summary.Failed,
		ReauthRequired: summary.ReauthRequired,
		ConfigErrors:   summary.ConfigErrors,
	})
}

func accountID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		abort(c, http.StatusBadRequest, "invalid account id")
		return uuid.Nil, false
	}
	return id, true
}

// writeError maps the error taxonomy onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	var transient *models.TransientError
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrAccountNotFound), errors.Is(err, invite.ErrCodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, invite.ErrCodeExpired):
		status = http.StatusGone
	case errors.Is(err, invite.ErrInvalidJoin):
		status = http.StatusBadRequest
	case errors.Is(err, models.ErrReauthRequired), errors.Is(err, models.ErrDispatchInProgress):
		status = http.StatusConflict
	case errors.Is(err, models.ErrNotConfigured),
		errors.Is(err, models.ErrInvalidTimezone),
		errors.Is(err, models.ErrInvalidSendTime):
		status = http.StatusUnprocessableEntity
	case errors.As(err, &transient):
		status = http.StatusBadGateway
	}

	body := gin.H{"error": err.Error()}
	if errors.Is(err, models.ErrReauthRequired) {
		body["reauth_required"] = true
	}
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("Request failed")
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

func toOutcomeResponse(o dispatch.Outcome) outcomeResponse {
	resp := outcomeResponse{
		AccountID:  o.AccountID,
		LocalDate:  o.LocalDate,
		EventCount: o.EventCount,
		Delegates:  make([]recipientResponse, 0, len(o.Delegates)),
		Stamped:    o.Stamped,
		Manual:     o.Manual,
	}
	if o.Primary != nil {
		r := toRecipientResponse(*o.Primary)
		resp.Primary = &r
	}
	for _, d := range o.Delegates {
		resp.Delegates = append(resp.Delegates, toRecipientResponse(d))
	}
	return resp
}

func toRecipientResponse(r dispatch.RecipientResult) recipientResponse {
	resp := recipientResponse{
		Name:      r.Name,
		Phone:     models.MaskPhone(r.Phone),
		Status:    string(models.DeliverySent),
		MessageID: r.MessageID,
	}
	if r.DelegateID != uuid.Nil {
		id := r.DelegateID
		resp.DelegateID = &id
	}
	if r.Err != nil {
		resp.Status = string(models.DeliveryFailed)
		resp.Error = strings.TrimSpace(r.Err.Error())
	}
	return resp
}
