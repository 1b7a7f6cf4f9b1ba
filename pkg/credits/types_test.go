package credits

import (
	"errors"
	"testing"
)

func TestNewAccountIDNormalizes(test *testing.T) {
	test.Parallel()
	accountID, err := NewAccountID("  user-42  ")
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	if accountID.String() != "user-42" {
		test.Fatalf("expected trimmed id, got %q", accountID.String())
	}
}

func TestNewAccountIDRejectsEmpty(test *testing.T) {
	test.Parallel()
	if _, err := NewAccountID("   "); !errors.Is(err, ErrInvalidAccountID) {
		test.Fatalf("expected ErrInvalidAccountID, got %v", err)
	}
}

func TestParseExecutionMode(test *testing.T) {
	test.Parallel()
	cases := []struct {
		raw     string
		want    ExecutionMode
		wantErr bool
	}{
		{raw: "own-key", want: ModeOwnKey},
		{raw: "platform", want: ModePlatform},
		{raw: " platform ", want: ModePlatform},
		{raw: "gpt4", wantErr: true},
		{raw: "", wantErr: true},
	}
	for _, testCase := range cases {
		mode, err := ParseExecutionMode(testCase.raw)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidExecutionMode) {
				test.Fatalf("%q: expected ErrInvalidExecutionMode, got %v", testCase.raw, err)
			}
			continue
		}
		if err != nil {
			test.Fatalf("%q: %v", testCase.raw, err)
		}
		if mode != testCase.want {
			test.Fatalf("%q: expected %s, got %s", testCase.raw, testCase.want, mode)
		}
	}
}

func TestParseTransactionType(test *testing.T) {
	test.Parallel()
	for _, valid := range []string{"purchase", "platform_ai", "platform_ai_refund", "monthly_free", "admin_adjustment"} {
		if _, err := ParseTransactionType(valid); err != nil {
			test.Fatalf("%q: %v", valid, err)
		}
	}
	if _, err := ParseTransactionType("chargeback"); !errors.Is(err, ErrInvalidTransactionType) {
		test.Fatalf("expected ErrInvalidTransactionType, got %v", err)
	}
}

func TestBalanceTotal(test *testing.T) {
	test.Parallel()
	balance := Balance{FreeCredits: 3, PurchasedCredits: 4}
	if balance.Total() != 7 {
		test.Fatalf("expected total 7, got %d", balance.Total())
	}
}
