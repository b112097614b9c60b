package validation

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	apperrors "vaultgate/internal/errors"
	"vaultgate/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
)

// feltPrime Starknet 域元素上界 P = 2^251 + 17*2^192 + 1
var feltPrime = func() *big.Int {
	p := new(big.Int).Lsh(big.NewInt(1), 251)
	p.Add(p, new(big.Int).Mul(big.NewInt(17), new(big.Int).Lsh(big.NewInt(1), 192)))
	return p.Add(p, big.NewInt(1))
}()

var (
	hexFeltRegex = regexp.MustCompile(`^0[xX][0-9a-fA-F]{1,64}$`)
	decimalRegex = regexp.MustCompile(`^[0-9]{1,78}$`)
	txHashRegex  = regexp.MustCompile(`^0x[0-9a-fA-F]{1,64}$`)
)

// Validator 数据验证器
type Validator struct {
	logger     *logrus.Logger
	validate   *validator.Validate
	strictMode bool // 严格模式下逐个校验 calldata
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                      `json:"valid"`
	Errors   []*apperrors.ServiceError `json:"errors,omitempty"`
	DataType string                    `json:"data_type"`
}

// NewValidator 创建数据验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		strictMode: strictMode,
	}

	// 注册自定义规则
	v.registerDefaultRules()

	return v
}

// registerDefaultRules 注册默认验证规则
func (v *Validator) registerDefaultRules() {
	rules := map[string]validator.Func{
		"felt":   func(fl validator.FieldLevel) bool { return IsFelt(fl.Field().String()) },
		"txhash": func(fl validator.FieldLevel) bool { return IsTxHash(fl.Field().String()) },
		"evmaddr": func(fl validator.FieldLevel) bool {
			return IsEVMAddress(fl.Field().String())
		},
	}
	for name, fn := range rules {
		if err := v.validate.RegisterValidation(name, fn); err != nil {
			// 只有规则名冲突时才会失败
			panic(fmt.Sprintf("注册验证规则 %s 失败: %v", name, err))
		}
		v.logger.Debugf("已注册验证规则: %s", name)
	}
}

// ValidateCalls 验证调用批次
func (v *Validator) ValidateCalls(calls []models.Call) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "calls"}

	if len(calls) == 0 {
		result.add(apperrors.New(apperrors.ErrorTypeValidation, apperrors.SeverityMedium,
			"EMPTY_CALLS", "调用批次为空"))
		return result
	}

	for i := range calls {
		if err := v.validate.Struct(&calls[i]); err != nil {
			result.add(apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityMedium,
				"INVALID_CALL", "调用格式无效").WithContext("index", i))
			continue
		}
		if !v.strictMode {
			continue
		}
		for j, felt := range calls[i].Calldata {
			if !IsFelt(felt) {
				result.add(apperrors.New(apperrors.ErrorTypeValidation, apperrors.SeverityMedium,
					"INVALID_CALLDATA", "calldata 不是合法的域元素").
					WithContext("index", i).WithContext("position", j))
				break
			}
		}
	}

	return result
}

// ValidatePayment 验证支付载荷的形状
func (v *Validator) ValidatePayment(payment *models.X402PaymentPayload) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "payment"}
	if payment == nil {
		result.add(apperrors.New(apperrors.ErrorTypeValidation, apperrors.SeverityMedium,
			"EMPTY_PAYMENT", "支付载荷为空"))
		return result
	}
	if err := v.validate.Struct(payment); err != nil {
		result.add(apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityMedium,
			"INVALID_PAYMENT", "支付载荷格式无效"))
	}
	return result
}

// ValidateChallenge 验证挑战的形状
func (v *Validator) ValidateChallenge(challenge *models.X402Challenge) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: "challenge"}
	if challenge == nil {
		result.add(apperrors.New(apperrors.ErrorTypeValidation, apperrors.SeverityMedium,
			"EMPTY_CHALLENGE", "挑战为空"))
		return result
	}
	if err := v.validate.Struct(challenge); err != nil {
		result.add(apperrors.Wrap(err, apperrors.ErrorTypeValidation, apperrors.SeverityMedium,
			"INVALID_CHALLENGE", "挑战格式无效"))
	}
	return result
}

// Var 校验单个值，tag 语法同 validator
func (v *Validator) Var(field interface{}, tag string) error {
	return v.validate.Var(field, tag)
}

func (r *ValidationResult) add(err *apperrors.ServiceError) {
	r.Valid = false
	r.Errors = append(r.Errors, err.WithComponent("validation"))
}

// Err 返回第一个错误
func (r *ValidationResult) Err() error {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return r.Errors[0]
}

// ParseFelt 解析十六进制或十进制的域元素
func ParseFelt(s string) (*big.Int, bool) {
	s = strings.TrimSpace(s)
	var (
		n  *big.Int
		ok bool
	)
	switch {
	case hexFeltRegex.MatchString(s):
		n, ok = new(big.Int).SetString(s[2:], 16)
	case decimalRegex.MatchString(s):
		n, ok = new(big.Int).SetString(s, 10)
	default:
		return nil, false
	}
	if !ok || n.Cmp(feltPrime) >= 0 {
		return nil, false
	}
	return n, true
}

// IsFelt 是否为合法域元素
func IsFelt(s string) bool {
	_, ok := ParseFelt(s)
	return ok
}

// NormalizeFelt 地址比较用的规范形式：小写、去掉前导零
func NormalizeFelt(s string) string {
	n, ok := ParseFelt(s)
	if !ok {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return "0x" + n.Text(16)
}

// IsTxHash 验证交易哈希格式，Starknet 哈希可能省略前导零
func IsTxHash(hash string) bool {
	return txHashRegex.MatchString(hash)
}

// IsEVMAddress 验证EVM地址格式
func IsEVMAddress(addr string) bool {
	if !strings.HasPrefix(addr, "0x") {
		return false
	}
	return common.IsHexAddress(addr)
}
