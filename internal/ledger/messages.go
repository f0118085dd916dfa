package ledger

import (
	"fmt"

	"payledger/internal/domain"

	"github.com/shopspring/decimal"
)

func money(amount decimal.Decimal, c domain.Currency) string {
	return amount.StringFixed(domain.Scale) + " " + string(c)
}

func paymentSentMessage(sender, receiver string, amount decimal.Decimal, c domain.Currency) string {
	return fmt.Sprintf("%s sent %s to %s", sender, money(amount, c), receiver)
}

func requestSentMessage(requester, payer string, r *domain.Request) string {
	return fmt.Sprintf("%s requested %s from %s", requester, money(r.Amount, r.Currency), payer)
}

func requestAcceptedMessage(payer string, r *domain.Request) string {
	return fmt.Sprintf("%s accepted your request for %s", payer, money(r.Amount, r.Currency))
}

func requestDeclinedMessage(payer string, r *domain.Request) string {
	return fmt.Sprintf("%s declined your request for %s", payer, money(r.Amount, r.Currency))
}

func requestCancelledMessage(requester string, r *domain.Request) string {
	return fmt.Sprintf("%s cancelled their request for %s", requester, money(r.Amount, r.Currency))
}
