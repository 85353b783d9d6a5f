package identity

import "encoding/json"

// AuthRequest is the JSON payload POSTed to the authentication endpoint.
// TenantToken is omitted from the wire form when empty, matching the
// spec's optional `tenant_token?` field.
type AuthRequest struct {
	IDData      Attributes `json:"id_data"`
	PubKey      []byte     `json:"pubkey"`
	TenantToken string     `json:"tenant_token,omitempty"`
}

// BuildAuthRequest assembles the signed authentication request body and
// its detached signature for the X-MEN-Signature header.
func BuildAuthRequest(signer Signer, attrs Attributes, tenantToken string) (body []byte, signature []byte, err error) {
	pub, err := signer.PublicKeyDER()
	if err != nil {
		return nil, nil, err
	}
	req := AuthRequest{IDData: attrs, PubKey: pub, TenantToken: tenantToken}
	body, err = json.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	signature, err = signer.Sign(body)
	if err != nil {
		return nil, nil, err
	}
	return body, signature, nil
}
