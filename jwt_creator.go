package main

import (
	"context"
	"crypto/rsa"
	"fmt"
	"os"
	"time"

	"go-age-issuer/document"
	"go-age-issuer/pipeline"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	irma "github.com/privacybydesign/irmago"
)

// IrmaIssuer implements pipeline.Issuer by signing an IRMA issuance session
// request for the age credential. The wallet hands the JWT to the IRMA
// server to collect the credential.
type IrmaIssuer struct {
	privateKey     *rsa.PrivateKey
	issuerId       string
	credential     string
	serverURL      string
	sdJwtBatchSize uint
	validity       time.Duration
	now            func() time.Time
}

func NewIrmaIssuer(privateKeyPath string,
	issuerId string,
	credential string,
	serverURL string,
	sdJwtBatchSize uint,
) (*IrmaIssuer, error) {
	keyBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read issuer private key: %w", err)
	}

	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse issuer private key: %w", err)
	}

	return &IrmaIssuer{
		issuerId:       issuerId,
		privateKey:     privateKey,
		credential:     credential,
		serverURL:      serverURL,
		sdJwtBatchSize: sdJwtBatchSize,
		validity:       365 * 24 * time.Hour,
		now:            time.Now,
	}, nil
}

// Issue signs an issuance request whose attributes are the predicate and the
// proof id, nothing else from the document. The predicate attribute is named
// after the threshold it was evaluated against, e.g. over21.
func (ii *IrmaIssuer) Issue(ctx context.Context, proof pipeline.ProofHandle) (pipeline.CredentialHandle, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.CredentialHandle{}, err
	}

	attributes := map[string]string{
		"proofId": proof.ID,
	}
	attributes[predicateAttribute(proof.AdultAge)] = document.BoolToYesNo(proof.Predicate)

	token, err := irma.SignSessionRequest(
		ii.createIssuanceRequest(attributes),
		jwt.GetSigningMethod(jwt.SigningMethodRS256.Alg()),
		ii.privateKey,
		ii.issuerId,
	)
	if err != nil {
		return pipeline.CredentialHandle{}, fmt.Errorf("failed to sign issuance request: %w", err)
	}

	return pipeline.CredentialHandle{
		ID:        uuid.NewString(),
		Token:     token,
		ServerURL: ii.serverURL,
		IssuedAt:  ii.now(),
	}, nil
}

// predicateAttribute names the credential attribute holding the age predicate.
func predicateAttribute(adultAge int) string {
	if adultAge <= 0 {
		adultAge = document.AdultAge
	}
	return fmt.Sprintf("over%d", adultAge)
}

// createIssuanceRequest creates an IRMA issuance request for the age credential
// This is a separate method to allow for easier testing
func (ii *IrmaIssuer) createIssuanceRequest(attributes map[string]string) *irma.IssuanceRequest {
	validity := irma.Timestamp(time.Unix(ii.now().Add(ii.validity).Unix(), 0))

	return irma.NewIssuanceRequest([]*irma.CredentialRequest{
		{
			CredentialTypeID: irma.NewCredentialTypeIdentifier(ii.credential),
			Attributes:       attributes,
			SdJwtBatchSize:   ii.sdJwtBatchSize,
			Validity:         &validity,
		},
	})
}

var _ pipeline.Issuer = (*IrmaIssuer)(nil)
