package orchestrator

import (
	"context"
	"time"

	canvas "canvasfleet/internal/canvas"
	client "canvasfleet/internal/client"
	models "canvasfleet/internal/models"
	planner "canvasfleet/internal/planner"
)

// Session is one logged-in account as seen by the loop.
type Session interface {
	Info() models.UserInfo
	Refresh(ctx context.Context) (*models.UserInfo, error)
	LoadTiles(ctx context.Context, a models.Anchor, width, height int, force bool) *canvas.Snapshot
	Plan(ctx context.Context, req client.PaintRequest) *client.Plan
	Execute(ctx context.Context, plan *client.Plan, tok string) (client.PaintResult, error)
	BuyProduct(ctx context.Context, id, amount, variant int) error
	Close()
}

type Painter interface {
	Login(ctx context.Context, account models.Account) (Session, error)
}

// Accounts is the slice of the store the loop needs.
type Accounts interface {
	Account(id int64) (models.Account, error)
	SetSuspended(id int64, until time.Time) error
	SaveSeeds(templateID string, seeds []models.Point) error
}

// ActivityLog records painted pixels for heatmaps.
type ActivityLog interface {
	Record(templateID string, accountID int64, pixels []planner.Pixel) error
}

type clientPainter struct {
	c *client.Client
}

// FromClient adapts a *client.Client to Painter.
func FromClient(c *client.Client) Painter {
	return clientPainter{c: c}
}

func (p clientPainter) Login(ctx context.Context, account models.Account) (Session, error) {
	s, err := p.c.Login(ctx, account)
	if err != nil {
		return nil, err
	}
	return s, nil
}
