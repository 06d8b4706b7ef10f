package lntestutil

import (
	"context"
	"fmt"

	"github.com/brianvoe/gofakeit"
	"github.com/lightningnetwork/lnd/lnrpc"
	"google.golang.org/grpc"
)

// LightningMockClient is a mocked out version of LND for testing purposes. It
// implements the narrow client interfaces the rest of the codebase consumes.
type LightningMockClient struct {
	AddInvoiceResponse   lnrpc.AddInvoiceResponse
	DecodePayReqResponse lnrpc.PayReq
	// Err is returned from every call when set
	Err error
}

func (client LightningMockClient) AddInvoice(ctx context.Context,
	in *lnrpc.Invoice, opts ...grpc.CallOption) (
	*lnrpc.AddInvoiceResponse, error) {
	if client.Err != nil {
		return nil, client.Err
	}
	resp := client.AddInvoiceResponse
	if resp.PaymentRequest == "" {
		resp.PaymentRequest = MockPaymentRequest()
	}
	return &resp, nil
}

func (client LightningMockClient) DecodePayReq(ctx context.Context,
	in *lnrpc.PayReqString, opts ...grpc.CallOption) (*lnrpc.PayReq, error) {
	if client.Err != nil {
		return nil, client.Err
	}
	return &client.DecodePayReqResponse, nil
}

// GetLightningMockClient returns a basic mock that hands out random payment
// requests
func GetLightningMockClient() LightningMockClient {
	return LightningMockClient{}
}

// MockPaymentRequest returns a string that looks like a testnet payment
// request. It does not decode to anything.
func MockPaymentRequest() string {
	return fmt.Sprintf("lntb1%s", gofakeit.Password(true, false, true, false, false, 96))
}
