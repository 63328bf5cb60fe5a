package circle

import (
	"fmt"
	"strings"
	"time"
)

// Money 是 Circle 接口中的金额表示。
type Money struct {
	Amount   string `json:"amount"`
	Currency string `json:"currency"`
}

// BillingDetails 是银行账户的持有人信息。
type BillingDetails struct {
	Name       string `json:"name"`
	City       string `json:"city,omitempty"`
	Country    string `json:"country,omitempty"`
	Line1      string `json:"line1,omitempty"`
	Line2      string `json:"line2,omitempty"`
	District   string `json:"district,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
}

// BankAddress 是开户行信息。
type BankAddress struct {
	BankName string `json:"bankName,omitempty"`
	City     string `json:"city,omitempty"`
	Country  string `json:"country,omitempty"`
}

// BankAccount 是已绑定的电汇银行账户。
type BankAccount struct {
	ID             string         `json:"id"`
	Status         string         `json:"status"`
	Description    string         `json:"description"`
	TrackingRef    string         `json:"trackingRef"`
	Fingerprint    string         `json:"fingerprint"`
	AccountNumber  string         `json:"accountNumber,omitempty"`
	BillingDetails BillingDetails `json:"billingDetails"`
	BankAddress    BankAddress    `json:"bankAddress"`
	CreateDate     time.Time      `json:"createDate"`
	UpdateDate     time.Time      `json:"updateDate"`
}

// DisplayName 返回账户名称，缺失时为 "Bank Account"。
func (b BankAccount) DisplayName() string {
	if name := strings.TrimSpace(b.BillingDetails.Name); name != "" {
		return name
	}
	return "Bank Account"
}

// Last4 返回账号后四位。Circle 通常只在描述中给出掩码账号，如 "WELLS FARGO BANK, NA ****0010"。
func (b BankAccount) Last4() string {
	if n := strings.TrimSpace(b.AccountNumber); len(n) >= 4 {
		return n[len(n)-4:]
	}
	if idx := strings.LastIndex(b.Description, "****"); idx >= 0 {
		tail := strings.TrimSpace(b.Description[idx+4:])
		if len(tail) >= 4 {
			return tail[:4]
		}
	}
	return "****"
}

// Beneficiary 是电汇收款方。
type Beneficiary struct {
	Name     string `json:"name"`
	Address1 string `json:"address1,omitempty"`
	Address2 string `json:"address2,omitempty"`
}

// BeneficiaryBank 是电汇收款行。
type BeneficiaryBank struct {
	Name          string `json:"name"`
	SwiftCode     string `json:"swiftCode,omitempty"`
	RoutingNumber string `json:"routingNumber,omitempty"`
	AccountNumber string `json:"accountNumber,omitempty"`
	Currency      string `json:"currency,omitempty"`
	Address       string `json:"address,omitempty"`
	City          string `json:"city,omitempty"`
	PostalCode    string `json:"postalCode,omitempty"`
	Country       string `json:"country,omitempty"`
}

// WireInstructions 是向 Circle 账户入金所需的电汇信息。
type WireInstructions struct {
	TrackingRef     string          `json:"trackingRef"`
	Beneficiary     Beneficiary     `json:"beneficiary"`
	BeneficiaryBank BeneficiaryBank `json:"beneficiaryBank"`
}

// Destination 描述出金或转账的目的地。
type Destination struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	AddressID string `json:"addressId,omitempty"`
	Address   string `json:"address,omitempty"`
	Chain     string `json:"chain,omitempty"`
}

// Payout 是一次法币出金。
type Payout struct {
	ID          string      `json:"id"`
	Amount      Money       `json:"amount"`
	Status      string      `json:"status"`
	Destination Destination `json:"destination"`
	TrackingRef string      `json:"trackingRef,omitempty"`
	ErrorCode   string      `json:"errorCode,omitempty"`
	CreateDate  time.Time   `json:"createDate"`
	UpdateDate  time.Time   `json:"updateDate"`
}

// Transfer 是从 Circle 账户到链上地址的转账。
type Transfer struct {
	ID              string      `json:"id"`
	Amount          Money       `json:"amount"`
	Status          string      `json:"status"`
	Destination     Destination `json:"destination"`
	TransactionHash string      `json:"transactionHash,omitempty"`
	CreateDate      time.Time   `json:"createDate"`
}

// RecipientAddress 是经过审核的链上收款地址。
type RecipientAddress struct {
	ID          string `json:"id"`
	Address     string `json:"address"`
	Chain       string `json:"chain"`
	Currency    string `json:"currency"`
	Description string `json:"description"`
	Status      string `json:"status,omitempty"`
}

// MockWireDeposit 是沙箱环境模拟的入金电汇，通常约 15 分钟后入账。
type MockWireDeposit struct {
	ID              string          `json:"id"`
	TrackingRef     string          `json:"trackingRef"`
	Amount          Money           `json:"amount"`
	BeneficiaryBank BeneficiaryBank `json:"beneficiaryBank"`
	Status          string          `json:"status"`
}

// Balances 是 Circle 账户余额。
type Balances struct {
	Available []Money `json:"available"`
	Unsettled []Money `json:"unsettled"`
}

// APIError 表示 Circle 返回的非 2xx 响应。
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("Circle API error: %d", e.Status)
	}
	return fmt.Sprintf("Circle API error: %d: %s", e.Status, e.Message)
}
