package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	constants "canvasfleet/internal/constants"
	palette "canvasfleet/internal/palette"
	proxy "canvasfleet/internal/proxy"
	util "canvasfleet/internal/util"
)

type product struct {
	ID      int `json:"id"`
	Amount  int `json:"amount"`
	Variant int `json:"variant,omitempty"`
}

type purchaseBody struct {
	Product product `json:"product"`
}

type purchaseResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// BuyProduct purchases amount units of a product. variant selects the
// color for color purchases and is omitted when 0.
func (s *Session) BuyProduct(ctx context.Context, id, amount, variant int) error {
	const op = "purchase"
	body := purchaseBody{Product: product{ID: id, Amount: amount, Variant: variant}}
	resp, err := s.do(ctx, op, http.MethodPost, s.client.cfg.BaseURL+"/purchase", body, http.Header{
		"Content-Type": {"text/plain;charset=UTF-8"},
	})
	if err != nil {
		return err
	}

	var pr purchaseResponse
	jsonErr := json.Unmarshal(resp.Body, &pr)
	switch {
	case resp.Status == http.StatusOK && jsonErr == nil && pr.Success:
		s.log.Info("%s", describePurchase(id, amount, variant))
		return nil
	case resp.Status == http.StatusForbidden:
		return ErrInsufficientFunds
	case resp.Status == http.StatusConflict:
		return ErrAlreadyOwned
	case resp.Status == http.StatusTooManyRequests || isRateLimitBody(pr.Error):
		return &RateLimitedError{Op: op}
	case jsonErr != nil && proxy.IsChallenge(resp.text()):
		return s.blocked(op)
	}
	return &UnexpectedResponseError{Op: op, Status: resp.Status, Body: truncate(resp.text(), 200)}
}

func describePurchase(id, amount, variant int) string {
	switch id {
	case constants.ProductCharges:
		return fmt.Sprintf("Bought %s pixels for %s droplets", util.FormatCount(amount*constants.ChargePackPixels), util.FormatCount(amount*constants.ChargePackPrice))
	case constants.ProductMaxCharge:
		return fmt.Sprintf("Bought %d max charge upgrade(s) for %s droplets", amount, util.FormatCount(amount*constants.MaxChargePrice))
	case constants.ProductColor:
		return fmt.Sprintf("Bought color %s for %s droplets", palette.Name(variant), util.FormatCount(constants.ColorPrice))
	}
	return fmt.Sprintf("Purchased product #%d x%d", id, amount)
}
