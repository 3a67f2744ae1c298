package exchange

import (
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

const (
	authDomainName = "ClobAuthDomain"
	authVersion    = "1"
	authMessage    = "This message attests that I control the given wallet"

	orderDomainName = "Polymarket CTF Exchange"
	orderVersion    = "1"
)

// Signature types accepted by the exchange contract.
const (
	SigTypeEOA        = 0
	SigTypePolyProxy  = 1
	SigTypePolyGnosis = 2
)

// buildAuthSignature signs the ClobAuth typed-data payload used to
// derive or verify L2 credentials.
func buildAuthSignature(key *ecdsa.PrivateKey, chainID int64, timestamp, nonce int64) (string, error) {
	address := crypto.PubkeyToAddress(key.PublicKey)

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
			},
			"ClobAuth": {
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    authDomainName,
			Version: authVersion,
			ChainId: math.NewHexOrDecimal256(chainID),
		},
		Message: map[string]interface{}{
			"address":   address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     big.NewInt(nonce),
			"message":   authMessage,
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("hash auth payload: %w", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("sign auth payload: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// orderData is the canonical order struct signed against the exchange
// contract.
type orderData struct {
	Salt          int64
	Maker         string
	Signer        string
	Taker         string
	TokenID       *big.Int
	MakerAmount   *big.Int
	TakerAmount   *big.Int
	Expiration    *big.Int
	Nonce         *big.Int
	FeeRateBps    *big.Int
	Side          uint8 // 0 = BUY, 1 = SELL
	SignatureType int
}

// buildOrderSignature signs the Order typed-data payload for the CTF
// exchange contract at verifyingContract.
func buildOrderSignature(key *ecdsa.PrivateKey, chainID int64, verifyingContract string, od *orderData) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": {
				{Name: "name", Type: "string"},
				{Name: "version", Type: "string"},
				{Name: "chainId", Type: "uint256"},
				{Name: "verifyingContract", Type: "address"},
			},
			"Order": {
				{Name: "salt", Type: "uint256"},
				{Name: "maker", Type: "address"},
				{Name: "signer", Type: "address"},
				{Name: "taker", Type: "address"},
				{Name: "tokenId", Type: "uint256"},
				{Name: "makerAmount", Type: "uint256"},
				{Name: "takerAmount", Type: "uint256"},
				{Name: "expiration", Type: "uint256"},
				{Name: "nonce", Type: "uint256"},
				{Name: "feeRateBps", Type: "uint256"},
				{Name: "side", Type: "uint8"},
				{Name: "signatureType", Type: "uint8"},
			},
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              orderDomainName,
			Version:           orderVersion,
			ChainId:           math.NewHexOrDecimal256(chainID),
			VerifyingContract: verifyingContract,
		},
		Message: map[string]interface{}{
			"salt":          big.NewInt(od.Salt),
			"maker":         common.HexToAddress(od.Maker).Hex(),
			"signer":        common.HexToAddress(od.Signer).Hex(),
			"taker":         common.HexToAddress(od.Taker).Hex(),
			"tokenId":       od.TokenID,
			"makerAmount":   od.MakerAmount,
			"takerAmount":   od.TakerAmount,
			"expiration":    od.Expiration,
			"nonce":         od.Nonce,
			"feeRateBps":    od.FeeRateBps,
			"side":          big.NewInt(int64(od.Side)),
			"signatureType": big.NewInt(int64(od.SignatureType)),
		},
	}

	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("hash order payload: %w", err)
	}
	sig, err := crypto.Sign(hash, key)
	if err != nil {
		return "", fmt.Errorf("sign order payload: %w", err)
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

// buildHmacSignature computes the base64url HMAC-SHA256 over
// timestamp+method+path+body with the API secret as key. The secret is
// issued in base64url, the signature is returned in base64url with
// padding kept.
func buildHmacSignature(secret string, timestamp int64, method, requestPath string, body string) (string, error) {
	message := strconv.FormatInt(timestamp, 10) + method + requestPath + body

	sanitized := strings.ReplaceAll(secret, "-", "+")
	sanitized = strings.ReplaceAll(sanitized, "_", "/")
	keyData, err := base64.StdEncoding.DecodeString(sanitized)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}

	mac := hmac.New(sha256.New, keyData)
	mac.Write([]byte(message))
	sig := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	sig = strings.ReplaceAll(sig, "+", "-")
	sig = strings.ReplaceAll(sig, "/", "_")
	return sig, nil
}

// l1Headers carries the wallet-signature auth used to derive API creds.
func l1Headers(key *ecdsa.PrivateKey, chainID int64, nonce int64) (map[string]string, error) {
	ts := time.Now().Unix()
	sig, err := buildAuthSignature(key, chainID, ts, nonce)
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return map[string]string{
		"POLY_ADDRESS":   address.Hex(),
		"POLY_SIGNATURE": sig,
		"POLY_TIMESTAMP": strconv.FormatInt(ts, 10),
		"POLY_NONCE":     strconv.FormatInt(nonce, 10),
	}, nil
}

// l2Headers carries the API-key auth used on private endpoints.
func l2Headers(key *ecdsa.PrivateKey, creds *APICreds, method, requestPath, body string) (map[string]string, error) {
	ts := time.Now().Unix()
	sig, err := buildHmacSignature(creds.Secret, ts, method, requestPath, body)
	if err != nil {
		return nil, err
	}
	address := crypto.PubkeyToAddress(key.PublicKey)
	return map[string]string{
		"POLY_ADDRESS":    address.Hex(),
		"POLY_SIGNATURE":  sig,
		"POLY_TIMESTAMP":  strconv.FormatInt(ts, 10),
		"POLY_API_KEY":    creds.Key,
		"POLY_PASSPHRASE": creds.Passphrase,
	}, nil
}
