package identity

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	xerrors "AgentPlane/internal/errors"
)

const (
	secretBytes = 32
	saltBytes   = 16
)

// Identity 保存一次签发得到的全部身份材料。原始密钥只在签发时返回一次，
// 之后系统中仅保留加盐哈希。
type Identity struct {
	PublicKey  string
	Address    string
	PrivateKey string
	Secret     string
	SecretHash string
}

// Issuer 负责生成代理的非对称密钥对与高熵身份密钥。
type Issuer struct{}

// NewIssuer 构造凭证签发器。
func NewIssuer() *Issuer {
	return &Issuer{}
}

// IssueIdentity 生成 secp256k1 密钥对与 URL 安全的身份密钥。
func (i *Issuer) IssueIdentity() (*Identity, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeCryptoFailure, err, "生成密钥对失败")
	}
	secret, err := generateSecret()
	if err != nil {
		return nil, err
	}
	hash, err := HashSecret(secret)
	if err != nil {
		return nil, err
	}
	return &Identity{
		PublicKey:  hexutil.Encode(crypto.FromECDSAPub(&key.PublicKey)),
		Address:    crypto.PubkeyToAddress(key.PublicKey).Hex(),
		PrivateKey: hexutil.Encode(crypto.FromECDSA(key)),
		Secret:     secret,
		SecretHash: hash,
	}, nil
}

// generateSecret 从系统熵源生成身份密钥。
func generateSecret() (string, error) {
	buf := make([]byte, secretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCryptoFailure, err, "读取熵源失败")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashSecret 以加盐 SHA-256 的 salt:digest 形式编码身份密钥。
func HashSecret(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "身份密钥不能为空")
	}
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return "", xerrors.Wrap(xerrors.CodeCryptoFailure, err, "生成盐失败")
	}
	digest := sha256.Sum256(append(salt, []byte(secret)...))
	encodedSalt := base64.RawStdEncoding.EncodeToString(salt)
	encodedDigest := base64.RawStdEncoding.EncodeToString(digest[:])
	return encodedSalt + ":" + encodedDigest, nil
}

// VerifySecret 以常数时间比较候选密钥与存储哈希。
func VerifySecret(candidate, stored string) bool {
	if stored == "" {
		return false
	}
	parts := strings.SplitN(stored, ":", 2)
	if len(parts) != 2 {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[0])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(append(salt, []byte(candidate)...))
	return subtle.ConstantTimeCompare(expected, digest[:]) == 1
}

// SignChallenge 使用私钥对挑战内容的 Keccak 摘要签名，用于证明密钥持有权。
func SignChallenge(privateKeyHex string, payload []byte) (string, error) {
	key, err := parsePrivateKey(privateKeyHex)
	if err != nil {
		return "", err
	}
	sig, err := crypto.Sign(crypto.Keccak256(payload), key)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeCryptoFailure, err, "签名挑战内容失败")
	}
	return hexutil.Encode(sig), nil
}

// VerifyChallenge 校验挑战签名与公钥是否匹配。
func VerifyChallenge(publicKeyHex string, payload []byte, signatureHex string) bool {
	pub, err := hexutil.Decode(publicKeyHex)
	if err != nil {
		return false
	}
	sig, err := hexutil.Decode(signatureHex)
	if err != nil {
		return false
	}
	if len(sig) == 65 {
		// 丢弃 recovery id，VerifySignature 只接受 64 字节签名。
		sig = sig[:64]
	}
	return crypto.VerifySignature(pub, crypto.Keccak256(payload), sig)
}

// parsePrivateKey 解析 0x 前缀的私钥。
func parsePrivateKey(privateKeyHex string) (*ecdsa.PrivateKey, error) {
	raw, err := hexutil.Decode(privateKeyHex)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "私钥编码不正确")
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "私钥解析失败")
	}
	return key, nil
}
