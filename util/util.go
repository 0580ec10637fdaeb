package util

import (
	"bufio"
	"crypto/ecdsa"
	"crypto/elliptic"
	random "crypto/rand"
	"crypto/sha256"
	"encoding/asn1"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"github.com/tendermint/tendermint/libs/log"

	"github.com/bftanchor/anchor-core/types"
)

// EcdsaSignature is the ASN.1 form of a P-256 envelope signature.
type EcdsaSignature struct {
	R, S *big.Int
}

func LogError(err error) error {
	if err != nil {
		fmt.Printf("Error in %s: %s\n", GetCurrentFuncName(2), err.Error())
	}
	return err
}

func LoggerError(logger log.Logger, err error) error {
	if err != nil {
		logger.Error(fmt.Sprintf("Error in %s: %s", GetCurrentFuncName(2), err.Error()))
	}
	return err
}

// Int64ToByte converts an int64 into a byte slice
func Int64ToByte(num int64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(num))
	return b
}

// GetEnv : gets an env variable, accepts a fallback value
func GetEnv(key string, def string) string {
	value := os.Getenv(key)
	if len(value) == 0 {
		return def
	}
	return value
}

// DecodeTx accepts a host-chain transaction in base64 and decodes it into
// the envelope struct.
func DecodeTx(incoming []byte) (types.Tx, error) {
	decoded, err := base64.StdEncoding.DecodeString(string(incoming))
	var tx types.Tx
	if err != nil {
		return types.Tx{}, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	if err := json.Unmarshal(decoded, &tx); err != nil {
		return types.Tx{}, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	return tx, nil
}

// DecodeTxAndVerifySig decodes an envelope and checks its ECDSA signature
// against the service key resolved from the submitter's validator index.
func DecodeTxAndVerifySig(incoming []byte, keyLookup func(coreID string) (string, error)) (types.Tx, error) {
	tx, err := DecodeTx(incoming)
	if err != nil {
		return types.Tx{}, err
	}
	keyHex, err := keyLookup(tx.CoreID)
	if err != nil {
		return types.Tx{}, err
	}
	pubKey, err := ParseServiceKey(keyHex)
	if err != nil {
		return types.Tx{}, err
	}
	oldSig := tx.Sig
	der, err := base64.StdEncoding.DecodeString(tx.Sig)
	if err != nil {
		return types.Tx{}, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	sig := &EcdsaSignature{}
	if _, err := asn1.Unmarshal(der, sig); err != nil {
		return types.Tx{}, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	tx.Sig = ""
	txNoSig, err := json.Marshal(tx)
	if err != nil {
		return types.Tx{}, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	hash := sha256.Sum256(txNoSig)
	if !ecdsa.Verify(pubKey, hash[:], sig.R, sig.S) {
		return types.Tx{}, errors.Wrapf(types.ErrInvalidSignature, "envelope from validator %s", tx.CoreID)
	}
	tx.Sig = oldSig
	return tx, nil
}

// EncodeTxWithKey signs an envelope with the node's service key and encodes
// it to base64.
func EncodeTxWithKey(outgoing types.Tx, privateKey *ecdsa.PrivateKey) string {
	txNoSig, err := json.Marshal(outgoing)
	if LogError(err) != nil {
		return ""
	}
	hash := sha256.Sum256(txNoSig)
	sig, err := privateKey.Sign(random.Reader, hash[:], nil)
	if LogError(err) != nil {
		return ""
	}
	outgoing.Sig = base64.StdEncoding.EncodeToString(sig)
	txJSON, _ := json.Marshal(outgoing)
	return base64.StdEncoding.EncodeToString(txJSON)
}

// EncodeTx encodes an envelope to base64 without signing it.
func EncodeTx(outgoing types.Tx) string {
	txJSON, _ := json.Marshal(outgoing)
	return base64.StdEncoding.EncodeToString(txJSON)
}

// ServiceKeyHex encodes a P-256 public key the way anchoring configs carry
// it.
func ServiceKeyHex(key *ecdsa.PublicKey) string {
	return hex.EncodeToString(elliptic.Marshal(key.Curve, key.X, key.Y))
}

// ParseServiceKey decodes a P-256 public key from its hex form.
func ParseServiceKey(s string) (*ecdsa.PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, err.Error())
	}
	x, y := elliptic.Unmarshal(elliptic.P256(), raw)
	if x == nil {
		return nil, errors.Wrap(types.ErrInvalidEncoding, "bad service key point")
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// GetClientIP returns the client address of an http request
func GetClientIP(r *http.Request) string {
	forwarded := r.Header.Get("X-FORWARDED-FOR")
	if forwarded != "" {
		return forwarded
	}
	return r.RemoteAddr
}

// ReadLines reads a whole file into memory and returns a slice of its lines.
func ReadLines(path string) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

// GetCurrentFuncName returns the name of the caller numCallStack frames up.
func GetCurrentFuncName(numCallStack int) string {
	pc, _, _, _ := runtime.Caller(numCallStack)
	name := runtime.FuncForPC(pc).Name()
	return name[strings.LastIndex(name, ".")+1:]
}

// ArrayContains reports whether item is present in arr.
func ArrayContains(arr []string, item string) bool {
	for _, v := range arr {
		if v == item {
			return true
		}
	}
	return false
}
