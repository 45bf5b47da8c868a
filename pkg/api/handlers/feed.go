package handlers

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/plumeblog/backend/pkg/api/errors"
	"github.com/plumeblog/backend/pkg/models"
	"github.com/plumeblog/backend/pkg/ranking"
)

// FeedHandler handles feed ranking
type FeedHandler struct {
	rankingService *ranking.Service
	validator      *validator.Validate
}

// NewFeedHandler creates a new feed handler
func NewFeedHandler(rankingService *ranking.Service) *FeedHandler {
	return &FeedHandler{
		rankingService: rankingService,
		validator:      validator.New(),
	}
}

// Rank orders one page of posts: pinned partition first, organic after
// @Summary Rank a feed page
// @Tags Feed
// @Accept json
// @Produce json
// @Param request body models.RankFeedRequest true "Posts to rank"
// @Success 200 {object} models.RankedFeedResponse
// @Failure 400 {object} models.ErrorResponse "Invalid request"
// @Router /feed/rank [post]
func (h *FeedHandler) Rank(c echo.Context) error {
	var req models.RankFeedRequest
	if err := c.Bind(&req); err != nil {
		return errors.ValidationError(c, err)
	}
	if err := h.validator.Struct(req); err != nil {
		return errors.ValidationError(c, err)
	}

	resp, err := h.rankingService.Rank(c.Request().Context(), &req)
	if err != nil {
		return errors.FromDomain(c, err)
	}
	return c.JSON(http.StatusOK, resp)
}
