package handler

import (
	"net/http"
	"time"

	"voice-server/internal/apierrors"
	"voice-server/internal/store"
	"voice-server/internal/voice/registry"

	"github.com/gin-gonic/gin"
)

const recentCallLimit = 20

// callView flattens a persisted call row for JSON listings.
type callView struct {
	CallSID    string     `json:"call_sid"`
	Transport  string     `json:"transport"`
	Provider   string     `json:"provider"`
	Caller     string     `json:"caller,omitempty"`
	State      string     `json:"state"`
	Reason     string     `json:"reason,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

type callListResponse struct {
	Active []registry.ActiveCall `json:"active"`
	Recent []callView            `json:"recent"`
}

// HandleListCalls reports the live bridges in this process and the newest
// persisted calls.
func (h *Handler) HandleListCalls(c *gin.Context) {
	recent, err := h.processor.RecentCalls(c.Request.Context(), recentCallLimit)
	if err != nil {
		apierrors.InternalError(c, err)
		return
	}

	views := make([]callView, 0, len(recent))
	for _, call := range recent {
		views = append(views, toCallView(call))
	}
	c.JSON(http.StatusOK, callListResponse{
		Active: h.processor.ActiveCalls(),
		Recent: views,
	})
}

func toCallView(call store.Call) callView {
	view := callView{
		CallSID:   call.CallSID,
		Transport: call.Transport,
		Provider:  call.Provider,
		State:     call.State,
		StartedAt: call.StartedAt,
	}
	if call.Caller.Valid {
		view.Caller = call.Caller.String
	}
	if call.Reason.Valid {
		view.Reason = call.Reason.String
	}
	if call.AnsweredAt.Valid {
		t := call.AnsweredAt.Time
		view.AnsweredAt = &t
	}
	if call.EndedAt.Valid {
		t := call.EndedAt.Time
		view.EndedAt = &t
	}
	return view
}
