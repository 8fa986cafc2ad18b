package membership

import (
	"context"
	"fmt"

	"github.com/mercadopago/sdk-go/pkg/config"
	"github.com/mercadopago/sdk-go/pkg/preapproval"
)

// MercadoPagoConfig holds the gateway credentials and redirect target.
type MercadoPagoConfig struct {
	AccessToken string `env:"MERCADOPAGO_ACCESS_TOKEN,required"`
	BackURL     string `env:"MERCADOPAGO_BACK_URL" envDefault:"https://example.com/membership/return"`
}

// preapprovalClient is the slice of the MercadoPago preapproval API the
// provider uses, extracted so tests can substitute a fake.
type preapprovalClient interface {
	Create(ctx context.Context, request preapproval.Request) (*preapproval.Response, error)
	Update(ctx context.Context, id string, request preapproval.UpdateRequest) (*preapproval.Response, error)
}

// MercadoPagoProvider implements GatewayProvider on top of MercadoPago
// preapprovals (recurring-charge authorizations).
type MercadoPagoProvider struct {
	client  preapprovalClient
	backURL string
}

// NewMercadoPagoProvider builds a provider from gateway credentials.
func NewMercadoPagoProvider(cfg MercadoPagoConfig) (*MercadoPagoProvider, error) {
	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("membership: mercadopago access token is required")
	}
	sdkCfg, err := config.New(cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("membership: failed to configure mercadopago client: %w", err)
	}
	return &MercadoPagoProvider{
		client:  preapproval.NewClient(sdkCfg),
		backURL: cfg.BackURL,
	}, nil
}

func (p *MercadoPagoProvider) CreateAgreement(ctx context.Context, req AgreementRequest) (*Agreement, error) {
	res, err := p.client.Create(ctx, preapproval.Request{
		Reason:            req.Reason,
		ExternalReference: req.ExternalReference,
		PayerEmail:        req.PayerEmail,
		BackURL:           p.backURL,
		AutoRecurring: &preapproval.AutoRecurringRequest{
			Frequency:         req.IntervalCount,
			FrequencyType:     frequencyType(req.IntervalUnit),
			TransactionAmount: float64(req.Price.Amount) / 100,
			CurrencyID:        req.Price.Currency,
		},
		Status: "pending",
	})
	if err != nil {
		return nil, fmt.Errorf("membership: mercadopago preapproval create failed: %w", err)
	}
	return &Agreement{
		ID:               res.ID,
		AuthorizationURL: res.InitPoint,
		Status:           res.Status,
	}, nil
}

func (p *MercadoPagoProvider) SetAgreementStatus(ctx context.Context, agreementID string, status AgreementStatus) (string, error) {
	res, err := p.client.Update(ctx, agreementID, preapproval.UpdateRequest{
		Status: string(status),
	})
	if err != nil {
		return "", fmt.Errorf("membership: mercadopago preapproval update failed: %w", err)
	}
	return res.Status, nil
}

// frequencyType maps the engine's interval unit onto MercadoPago's
// frequency_type vocabulary, which happens to use the same words.
func frequencyType(u IntervalUnit) string {
	return string(u)
}
