package assist

import (
	"errors"
	"net/http"

	"voice-server/internal/apierrors"
	"voice-server/internal/observability"

	"github.com/gin-gonic/gin"
)

// Handler exposes the text assistant over the REST API.
type Handler struct {
	processor *Processor
	logger    *observability.Logger
}

func NewHandler(processor *Processor, logger *observability.Logger) *Handler {
	return &Handler{processor: processor, logger: logger}
}

type chatMessage struct {
	Role    string `json:"role" binding:"required,oneof=user assistant"`
	Content string `json:"content" binding:"required"`
}

type chatRequest struct {
	Messages []chatMessage `json:"messages" binding:"required,min=1,dive"`
}

type chatResponse struct {
	Reply string `json:"reply"`
}

// HandleChat answers one text conversation turn.
func (h *Handler) HandleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		apierrors.ValidationError(c, err)
		return
	}

	history := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		history = append(history, Message{Role: m.Role, Content: m.Content})
	}

	reply, err := h.processor.Chat(c.Request.Context(), history)
	if err != nil {
		if errors.Is(err, ErrToolRoundsExceeded) {
			apierrors.BadRequest(c, "TOOL_LIMIT", "The conversation required too many tool calls")
			return
		}
		apierrors.InternalError(c, err)
		return
	}

	c.JSON(http.StatusOK, chatResponse{Reply: reply})
}
