// Package params exposes the business parameters that steer till and checkout
// behaviour. Values are cached per process and reloaded when another process
// bumps the shared version.
package params

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// Parameter keys as stored in the parameter table.
const (
	KeyConfirmSalesOnTill      = "CONFIRM_SALES_ON_TILL"
	KeyPOSSeparateCashier      = "POS_SEPARATE_CASHIER"
	KeyUseTradeAsDiscount      = "USE_TRADE_AS_DISCOUNT"
	KeyReturnPolicyOnSales     = "RETURN_POLICY_ON_SALES"
	KeyAcceptChangeSalesperson = "ACCEPT_CHANGE_SALESPERSON"
	KeyMaxSaleDiscount         = "MAX_SALE_DISCOUNT"
	KeyLatePaymentsPolicy      = "LATE_PAYMENTS_POLICY"
	KeyAllowHigherSalePrice    = "ALLOW_HIGHER_SALE_PRICE"
	KeyAutomaticLogout         = "AUTOMATIC_LOGOUT"
	KeyEnablePaulistaInvoice   = "ENABLE_PAULISTA_INVOICE"
	KeyOnlineServices          = "ONLINE_SERVICES"
)

// ReturnPolicy decides how overpayment change is returned.
type ReturnPolicy string

const (
	ReturnClientChoice ReturnPolicy = "CLIENT_CHOICE"
	ReturnMoney        ReturnPolicy = "RETURN_MONEY"
	ReturnCredit       ReturnPolicy = "RETURN_CREDIT"
)

// SalespersonPolicy decides whether confirmation may change the salesperson.
type SalespersonPolicy string

const (
	SalespersonAllow       SalespersonPolicy = "ALLOW"
	SalespersonDisallow    SalespersonPolicy = "DISALLOW"
	SalespersonForceChoose SalespersonPolicy = "FORCE_CHOOSE"
)

// LatePaymentsPolicy decides what clients with overdue payments may do.
type LatePaymentsPolicy string

const (
	LateAllow               LatePaymentsPolicy = "ALLOW"
	LateDisallowStoreCredit LatePaymentsPolicy = "DISALLOW_STORE_CREDIT"
	LateDisallowSales       LatePaymentsPolicy = "DISALLOW_SALES"
)

// Values is a typed snapshot of every parameter.
type Values struct {
	ConfirmSalesOnTill      bool
	POSSeparateCashier      bool
	UseTradeAsDiscount      bool
	ReturnPolicyOnSales     ReturnPolicy
	AcceptChangeSalesperson SalespersonPolicy
	// MaxSaleDiscount is a percentage of the sale subtotal.
	MaxSaleDiscount      decimal.Decimal
	LatePaymentsPolicy   LatePaymentsPolicy
	AllowHigherSalePrice bool
	// AutomaticLogout is the idle time in minutes; zero disables it.
	AutomaticLogout       int
	EnablePaulistaInvoice bool
	OnlineServices        bool
}

// Defaults returns the values used when a key is absent.
func Defaults() Values {
	return Values{
		ReturnPolicyOnSales:     ReturnClientChoice,
		AcceptChangeSalesperson: SalespersonAllow,
		MaxSaleDiscount:         decimal.NewFromInt(5),
		LatePaymentsPolicy:      LateAllow,
	}
}

// Parse builds Values from raw key/value pairs on top of Defaults.
func Parse(raw map[string]string) (Values, error) {
	v := Defaults()
	for key, value := range raw {
		value = strings.TrimSpace(value)
		var err error
		switch key {
		case KeyConfirmSalesOnTill:
			v.ConfirmSalesOnTill, err = parseBool(value)
		case KeyPOSSeparateCashier:
			v.POSSeparateCashier, err = parseBool(value)
		case KeyUseTradeAsDiscount:
			v.UseTradeAsDiscount, err = parseBool(value)
		case KeyReturnPolicyOnSales:
			v.ReturnPolicyOnSales, err = parseEnum(value, ReturnClientChoice, ReturnMoney, ReturnCredit)
		case KeyAcceptChangeSalesperson:
			v.AcceptChangeSalesperson, err = parseEnum(value, SalespersonAllow, SalespersonDisallow, SalespersonForceChoose)
		case KeyMaxSaleDiscount:
			v.MaxSaleDiscount, err = decimal.NewFromString(value)
			if err == nil && (v.MaxSaleDiscount.IsNegative() || v.MaxSaleDiscount.GreaterThan(decimal.NewFromInt(100))) {
				err = fmt.Errorf("out of range")
			}
		case KeyLatePaymentsPolicy:
			v.LatePaymentsPolicy, err = parseEnum(value, LateAllow, LateDisallowStoreCredit, LateDisallowSales)
		case KeyAllowHigherSalePrice:
			v.AllowHigherSalePrice, err = parseBool(value)
		case KeyAutomaticLogout:
			v.AutomaticLogout, err = strconv.Atoi(value)
			if err == nil && v.AutomaticLogout < 0 {
				err = fmt.Errorf("negative minutes")
			}
		case KeyEnablePaulistaInvoice:
			v.EnablePaulistaInvoice, err = parseBool(value)
		case KeyOnlineServices:
			v.OnlineServices, err = parseBool(value)
		default:
			continue
		}
		if err != nil {
			return Values{}, fmt.Errorf("params: %s=%q: %w", key, value, err)
		}
	}
	return v, nil
}

// Raw renders Values back into key/value pairs.
func (v Values) Raw() map[string]string {
	return map[string]string{
		KeyConfirmSalesOnTill:      strconv.FormatBool(v.ConfirmSalesOnTill),
		KeyPOSSeparateCashier:      strconv.FormatBool(v.POSSeparateCashier),
		KeyUseTradeAsDiscount:      strconv.FormatBool(v.UseTradeAsDiscount),
		KeyReturnPolicyOnSales:     string(v.ReturnPolicyOnSales),
		KeyAcceptChangeSalesperson: string(v.AcceptChangeSalesperson),
		KeyMaxSaleDiscount:         v.MaxSaleDiscount.String(),
		KeyLatePaymentsPolicy:      string(v.LatePaymentsPolicy),
		KeyAllowHigherSalePrice:    strconv.FormatBool(v.AllowHigherSalePrice),
		KeyAutomaticLogout:         strconv.Itoa(v.AutomaticLogout),
		KeyEnablePaulistaInvoice:   strconv.FormatBool(v.EnablePaulistaInvoice),
		KeyOnlineServices:          strconv.FormatBool(v.OnlineServices),
	}
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off", "":
		return false, nil
	}
	return false, fmt.Errorf("not a boolean")
}

func parseEnum[T ~string](s string, allowed ...T) (T, error) {
	for _, a := range allowed {
		if strings.EqualFold(s, string(a)) {
			return a, nil
		}
	}
	var zero T
	return zero, fmt.Errorf("unknown option")
}
