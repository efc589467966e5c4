package services

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest/models"
)

// Validation failure reasons reported to subscribers
const (
	ReasonInvalidAppID   = "Invalid app id"
	ReasonInvalidCommand = "Invalid command"
	ReasonMissingParams  = "Missing parameters"
	ReasonInvalidMinute  = "Invalid minute parameter"
	ReasonInvalidHour    = "Invalid hour parameter"
	ReasonInvalidLimit   = "Invalid limit parameter"
)

// CommandApplier is the part of the registry the controller drives
type CommandApplier interface {
	Apply(ctx context.Context, cmd models.Command) error
}

// SubscriptionController validates subscriber commands and hands them to
// the registry
type SubscriptionController struct {
	registry CommandApplier
	logger   *core.Logger
}

// NewSubscriptionController creates a new controller
func NewSubscriptionController(registry CommandApplier, logger *core.Logger) *SubscriptionController {
	return &SubscriptionController{
		registry: registry,
		logger:   logger,
	}
}

// Handle validates req and applies it. Validation failures are returned as
// validation errors carrying one of the Reason constants and leave the
// registry untouched.
func (c *SubscriptionController) Handle(ctx context.Context, req models.CommandRequest) (models.Command, error) {
	cmd, err := ValidateCommand(req)
	if err != nil {
		c.logger.Info("Rejected subscription command", "app_id", req.AppID, "command", req.Command, "reason", err.Error())
		return models.Command{}, err
	}

	if err := c.registry.Apply(ctx, cmd); err != nil {
		c.logger.Error("Subscription command failed", "app_id", cmd.AppID, "command", cmd.Action, "error", err)
		return cmd, err
	}
	return cmd, nil
}

// ValidateCommand checks req in a fixed order and reports the first failure.
// Parameters other than app id and command are ignored for stop.
func ValidateCommand(req models.CommandRequest) (models.Command, error) {
	if !models.IsAppID(req.AppID) {
		return models.Command{}, validation(ReasonInvalidAppID)
	}

	action := models.Action(req.Command)
	switch action {
	case models.ActionStart:
	case models.ActionStop:
		return models.Command{AppID: req.AppID, Action: action}, nil
	default:
		return models.Command{}, validation(ReasonInvalidCommand)
	}

	if req.Minute == nil || req.Hour == nil || req.Limit == nil {
		return models.Command{}, validation(ReasonMissingParams)
	}

	minute, ok := parseInt(*req.Minute)
	if !ok || minute < 0 || minute > 59 {
		return models.Command{}, validation(ReasonInvalidMinute)
	}
	hour, ok := parseInt(*req.Hour)
	if !ok || hour < 0 || hour > 23 {
		return models.Command{}, validation(ReasonInvalidHour)
	}
	limit, ok := parseInt(*req.Limit)
	if !ok || limit <= 0 {
		return models.Command{}, validation(ReasonInvalidLimit)
	}

	return models.Command{
		AppID:  req.AppID,
		Action: action,
		Minute: minute,
		Hour:   hour,
		Limit:  limit,
	}, nil
}

func parseInt(s string) (int, bool) {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	return n, err == nil
}

func validation(reason string) error {
	return core.NewValidationError(reason, nil)
}

// Acknowledgment returns the success message for an applied command
func Acknowledgment(cmd models.Command) string {
	verb := "paused"
	if cmd.Action == models.ActionStart {
		verb = "started"
	}
	return fmt.Sprintf("Subscription to %s %s.", cmd.AppID, verb)
}
