package membership

import (
	"context"
	"errors"
	"testing"

	"github.com/mercadopago/sdk-go/pkg/preapproval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePreapprovalClient struct {
	createReq  preapproval.Request
	createRes  *preapproval.Response
	createErr  error
	updateID   string
	updateReq  preapproval.UpdateRequest
	updateRes  *preapproval.Response
	updateErr  error
}

func (f *fakePreapprovalClient) Create(_ context.Context, req preapproval.Request) (*preapproval.Response, error) {
	f.createReq = req
	return f.createRes, f.createErr
}

func (f *fakePreapprovalClient) Update(_ context.Context, id string, req preapproval.UpdateRequest) (*preapproval.Response, error) {
	f.updateID = id
	f.updateReq = req
	return f.updateRes, f.updateErr
}

func TestMercadoPagoProvider_CreateAgreement(t *testing.T) {
	t.Parallel()

	client := &fakePreapprovalClient{
		createRes: &preapproval.Response{
			ID:        "mp-123",
			InitPoint: "https://mercadopago.test/init/mp-123",
			Status:    "pending",
		},
	}
	provider := &MercadoPagoProvider{client: client, backURL: "https://academy.test/return"}

	agreement, err := provider.CreateAgreement(context.Background(), AgreementRequest{
		Reason:            "Academy membership",
		ExternalReference: "sub_u_a_1",
		PayerEmail:        "member@example.com",
		Price:             Money{Amount: 2500000, Currency: "ARS"},
		IntervalCount:     1,
		IntervalUnit:      IntervalMonths,
	})
	require.NoError(t, err)

	assert.Equal(t, "mp-123", agreement.ID)
	assert.Equal(t, "https://mercadopago.test/init/mp-123", agreement.AuthorizationURL)
	assert.Equal(t, "pending", agreement.Status)

	assert.Equal(t, "Academy membership", client.createReq.Reason)
	assert.Equal(t, "sub_u_a_1", client.createReq.ExternalReference)
	assert.Equal(t, "member@example.com", client.createReq.PayerEmail)
	assert.Equal(t, "https://academy.test/return", client.createReq.BackURL)
	require.NotNil(t, client.createReq.AutoRecurring)
	assert.Equal(t, 1, client.createReq.AutoRecurring.Frequency)
	assert.Equal(t, "months", client.createReq.AutoRecurring.FrequencyType)
	assert.InDelta(t, 25000.0, client.createReq.AutoRecurring.TransactionAmount, 0.001)
	assert.Equal(t, "ARS", client.createReq.AutoRecurring.CurrencyID)
}

func TestMercadoPagoProvider_CreateAgreement_Error(t *testing.T) {
	t.Parallel()

	client := &fakePreapprovalClient{createErr: errors.New("503 service unavailable")}
	provider := &MercadoPagoProvider{client: client}

	_, err := provider.CreateAgreement(context.Background(), AgreementRequest{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "preapproval create failed")
}

func TestMercadoPagoProvider_SetAgreementStatus(t *testing.T) {
	t.Parallel()

	client := &fakePreapprovalClient{
		updateRes: &preapproval.Response{ID: "mp-123", Status: "cancelled"},
	}
	provider := &MercadoPagoProvider{client: client}

	status, err := provider.SetAgreementStatus(context.Background(), "mp-123", AgreementCancelled)
	require.NoError(t, err)
	assert.Equal(t, "cancelled", status)
	assert.Equal(t, "mp-123", client.updateID)
	assert.Equal(t, "cancelled", client.updateReq.Status)
}

func TestNewMercadoPagoProvider_RequiresToken(t *testing.T) {
	t.Parallel()

	_, err := NewMercadoPagoProvider(MercadoPagoConfig{})
	assert.Error(t, err)
}
