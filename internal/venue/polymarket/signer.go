package polymarket

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"order_orchestrator/internal/core"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/shopspring/decimal"
)

const (
	exchangeDomainName = "Polymarket CTF Exchange"
	clobAuthDomainName = "ClobAuthDomain"
	clobAuthMessage    = "This message attests that I control the given wallet"
	zeroAddress        = "0x0000000000000000000000000000000000000000"

	// amountDecimals is the fixed-point precision of collateral and
	// conditional token amounts
	amountDecimals = 6
)

// Signature types of the CTF exchange
const (
	SignatureTypeEOA          = 0
	SignatureTypePolyProxy    = 1
	SignatureTypeBrowserProxy = 2
)

const (
	sideBuyValue  = 0
	sideSellValue = 1

	defaultExpiration = "0"
	defaultNonce      = "0"
)

var eip712DomainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

var orderType = []apitypes.Type{
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
}

// SignedOrder is the order object POSTed to /order
type SignedOrder struct {
	Salt          int64  `json:"salt"`
	Maker         string `json:"maker"`
	Signer        string `json:"signer"`
	Taker         string `json:"taker"`
	TokenID       string `json:"tokenId"`
	MakerAmount   string `json:"makerAmount"`
	TakerAmount   string `json:"takerAmount"`
	Expiration    string `json:"expiration"`
	Nonce         string `json:"nonce"`
	FeeRateBps    string `json:"feeRateBps"`
	Side          string `json:"side"`
	SignatureType int    `json:"signatureType"`
	Signature     string `json:"signature"`
}

// OrderSigner produces EIP-712 signatures for CTF exchange orders and
// L1 authentication messages
type OrderSigner struct {
	key           *ecdsa.PrivateKey
	address       common.Address
	funder        common.Address
	chainID       int64
	exchange      common.Address
	signatureType int
	salt          func() int64
}

// NewOrderSigner parses the private key. funder is the address holding the
// funds; it defaults to the key's own address.
func NewOrderSigner(privateKeyHex, funder string, chainID int64, exchange string, signatureType int) (*OrderSigner, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	if !common.IsHexAddress(exchange) {
		return nil, fmt.Errorf("invalid exchange address %q", exchange)
	}

	s := &OrderSigner{
		key:           key,
		address:       crypto.PubkeyToAddress(key.PublicKey),
		chainID:       chainID,
		exchange:      common.HexToAddress(exchange),
		signatureType: signatureType,
		salt:          randomSalt,
	}
	s.funder = s.address
	if funder != "" {
		if !common.IsHexAddress(funder) {
			return nil, fmt.Errorf("invalid funder address %q", funder)
		}
		s.funder = common.HexToAddress(funder)
	}
	return s, nil
}

func randomSalt() int64 {
	return int64(float64(time.Now().Unix()) * rand.Float64())
}

// Address returns the signing key's address
func (s *OrderSigner) Address() string {
	return s.address.Hex()
}

// Funder returns the maker address used on orders
func (s *OrderSigner) Funder() string {
	return s.funder.Hex()
}

// OrderAmounts converts price and size into maker and taker amounts in
// 6-decimal fixed point. A BUY gives collateral and receives shares, a
// SELL the reverse.
func OrderAmounts(side core.Side, price, size decimal.Decimal) (maker, taker *big.Int) {
	shares := size.Truncate(2)
	collateral := shares.Mul(price).Truncate(4)

	if side == core.SideBuy {
		return toFixed(collateral), toFixed(shares)
	}
	return toFixed(shares), toFixed(collateral)
}

func toFixed(d decimal.Decimal) *big.Int {
	return d.Shift(amountDecimals).Truncate(0).BigInt()
}

// SignOrder builds and signs an order for req
func (s *OrderSigner) SignOrder(req core.OrderRequest, feeRateBps int) (*SignedOrder, error) {
	makerAmount, takerAmount := OrderAmounts(req.Side, req.Price, req.Size)
	if makerAmount.Sign() <= 0 || takerAmount.Sign() <= 0 {
		return nil, fmt.Errorf("order amounts round to zero (price %s, size %s)", req.Price, req.Size)
	}

	side := sideBuyValue
	if req.Side == core.SideSell {
		side = sideSellValue
	}

	order := &SignedOrder{
		Salt:          s.salt(),
		Maker:         s.funder.Hex(),
		Signer:        s.address.Hex(),
		Taker:         zeroAddress,
		TokenID:       req.TokenID,
		MakerAmount:   makerAmount.String(),
		TakerAmount:   takerAmount.String(),
		Expiration:    defaultExpiration,
		Nonce:         defaultNonce,
		FeeRateBps:    strconv.Itoa(feeRateBps),
		Side:          string(req.Side),
		SignatureType: s.signatureType,
	}

	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType,
			"Order":        orderType,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              exchangeDomainName,
			Version:           "1",
			ChainId:           math.NewHexOrDecimal256(s.chainID),
			VerifyingContract: s.exchange.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"salt":          strconv.FormatInt(order.Salt, 10),
			"maker":         order.Maker,
			"signer":        order.Signer,
			"taker":         order.Taker,
			"tokenId":       order.TokenID,
			"makerAmount":   order.MakerAmount,
			"takerAmount":   order.TakerAmount,
			"expiration":    order.Expiration,
			"nonce":         order.Nonce,
			"feeRateBps":    order.FeeRateBps,
			"side":          strconv.Itoa(side),
			"signatureType": strconv.Itoa(s.signatureType),
		},
	}

	sig, err := s.signTypedData(typedData)
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}
	order.Signature = sig
	return order, nil
}

// SignClobAuth signs the L1 message used to create or derive API keys
func (s *OrderSigner) SignClobAuth(timestamp, nonce int64) (string, error) {
	typedData := apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": eip712DomainType[:3],
			"ClobAuth": []apitypes.Type{
				{Name: "address", Type: "address"},
				{Name: "timestamp", Type: "string"},
				{Name: "nonce", Type: "uint256"},
				{Name: "message", Type: "string"},
			},
		},
		PrimaryType: "ClobAuth",
		Domain: apitypes.TypedDataDomain{
			Name:    clobAuthDomainName,
			Version: "1",
			ChainId: math.NewHexOrDecimal256(s.chainID),
		},
		Message: apitypes.TypedDataMessage{
			"address":   s.address.Hex(),
			"timestamp": strconv.FormatInt(timestamp, 10),
			"nonce":     math.NewHexOrDecimal256(nonce),
			"message":   clobAuthMessage,
		},
	}
	return s.signTypedData(typedData)
}

func (s *OrderSigner) signTypedData(typedData apitypes.TypedData) (string, error) {
	digest, err := typedDataDigest(typedData)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(digest, s.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// typedDataDigest is keccak256(0x1901 || domainSeparator || hashStruct(message))
func typedDataDigest(typedData apitypes.TypedData) ([]byte, error) {
	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	messageHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	raw := make([]byte, 0, 2+len(domainSeparator)+len(messageHash))
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, domainSeparator...)
	raw = append(raw, messageHash...)
	return crypto.Keccak256(raw), nil
}
