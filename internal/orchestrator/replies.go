package orchestrator

import (
	"fmt"
	"strings"

	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/web3"
)

const assistantPrompt = "You are a helpful AI assistant for a Base miniapp called FlowSend. You help users understand crypto operations and guide them through transactions on Base Sepolia.\n\n" +
	"IMPORTANT CONTEXT:\n" +
	"- This is a Farcaster mini app where users connect their own Coinbase Smart Wallet\n" +
	"- You CAN execute banking transactions when users request them\n" +
	"- The app supports gasless transactions for USDC transfers"

const assistantCapabilities = "\n\nYOUR CAPABILITIES:\n" +
	"1. Help users understand their wallet and balances\n" +
	"2. Guide users through transferring ETH or USDC\n" +
	"3. Direct users to testnet faucets for test tokens\n" +
	"4. Explain crypto concepts, DeFi, smart wallets, etc.\n" +
	"5. Execute Circle banking operations (deposit/withdraw USDC via bank)\n\n" +
	"BANKING OPERATIONS YOU CAN PERFORM:\n" +
	"- Show bank accounts: show my bank accounts\n" +
	"- Deposit USDC: deposit 100 USDC to my wallet\n" +
	"- Withdraw USDC: withdraw 50 USDC to bank account ID xyz\n\n" +
	"For deposits and withdrawals, users need to have:\n" +
	"- A linked bank account (for withdrawals)\n" +
	"- Sufficient Circle USD balance (for deposits)\n" +
	"- Sufficient USDC balance (for withdrawals)\n\n" +
	"TESTNET FAUCETS:\n" +
	"- Coinbase Faucet: https://portal.cdp.coinbase.com/products/faucet\n" +
	"- Base Sepolia Faucet: https://www.alchemy.com/faucets/base-sepolia\n\n" +
	"Be conversational, helpful, and clear. Always explain what is happening with transactions."

func systemPrompt(wallet string, network web3.Network) string {
	var walletLine string
	if wallet != "" {
		walletLine = fmt.Sprintf("\n\nUser Connected Wallet: %s\nNetwork: %s", wallet, networkLabel(network))
	} else {
		walletLine = "\n\nUser has not connected their wallet yet."
	}
	return assistantPrompt + walletLine + assistantCapabilities
}

func networkLabel(network web3.Network) string {
	if network.DisplayName != "" {
		return network.DisplayName
	}
	return "Base Sepolia Testnet"
}

// operations 是模型不可用时展示的操作清单，按操作类型分发。
var operations = []struct {
	kind  intent.Kind
	usage string
}{
	{intent.KindTransfer, "Transfer USDC to a wallet: send 10 USDC to 0x..."},
	{intent.KindWithdraw, "Withdraw USDC to your bank: withdraw 50 USDC to bank account ID xyz"},
	{intent.KindDeposit, "Deposit USDC from Circle to your wallet: deposit 100 USDC to my wallet"},
	{intent.KindBalance, "Check your balance: what's my balance"},
	{intent.KindBankAccounts, "List your bank accounts: show my bank accounts"},
}

func operationsReply() string {
	lines := make([]string, 0, len(operations))
	for _, op := range operations {
		lines = append(lines, "• "+op.usage)
	}
	return "I can help you with these operations:\n\n" + strings.Join(lines, "\n") + "\n\nWhat would you like to do?"
}

func connectWalletReply(kind intent.Kind) string {
	if kind == intent.KindBalance {
		return "Please connect your wallet first to " + kind.Verb() + "."
	}
	return fmt.Sprintf("Please connect your wallet first to %s USDC.", kind.Verb())
}

func walletSectionReply(wallet string) string {
	return "You can check your wallet balance in the Wallet section at the top of the page.\n\n" +
		"Your wallet address is:\n" + wallet + "\n\n" +
		"The wallet section shows your:\n" +
		"• ETH balance (for gas fees)\n" +
		"• USDC balance (for transfers)\n\n" +
		"If you need test tokens, visit:\n" +
		"• Coinbase Faucet: https://portal.cdp.coinbase.com/products/faucet\n" +
		"• Base Sepolia Faucet: https://www.alchemy.com/faucets/base-sepolia"
}

func balanceReply(wallet, amount string, network web3.Network) string {
	return fmt.Sprintf("Your %s balance is %s %s.\n\nWallet: %s\nNetwork: %s",
		network.Token.Symbol, amount, network.Token.Symbol, wallet, networkLabel(network))
}

const noAccountsReply = "You do not have any bank accounts linked yet. Would you like help adding a bank account?"

const addAccountFirstReply = "You need to add a bank account first before withdrawing. Please go to the 'Withdraw' or 'Deposit' tab to add your bank account details."

func accountsReply(list string) string {
	return "Here are your linked bank accounts:\n\n" + list + "\n\nYou can use the account ID to deposit or withdraw funds."
}

func chooseAccountReply(amount, list string) string {
	return fmt.Sprintf("Great! I'll help you withdraw %s USDC. Which bank account would you like to use?\n\n%s\n\nPlease tell me the account ID or the account number.", amount, list)
}

func lookupFailedReply(detail string) string {
	return fmt.Sprintf("Error: %s. Please try again.", detail)
}

const depositPendingReply = "Recipient address created. Please wait for the confirmation from admin and retry the transfer."

func depositReply(amount, transferID, txHash string, network web3.Network) string {
	if transferID == "" {
		transferID = "N/A"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "✅ Successfully initiated deposit of %s USDC to your wallet!\n\nTransaction ID: %s", amount, transferID)
	if txHash != "" {
		fmt.Fprintf(&b, "\n\nTransaction Hash: %s", txHash)
		if url := network.TxURL(txHash); url != "" {
			fmt.Fprintf(&b, "\nView on BaseScan: %s", url)
		}
	}
	b.WriteString("\n\nThe USDC should appear in your wallet shortly. You can check your balance in the wallet section above.")
	return b.String()
}

func depositFailedReply(detail string) string {
	return "❌ Deposit failed: " + detail + ". Please make sure you have sufficient USD balance in your Circle account.\n\n" +
		"You may need to deposit funds to your Circle account first via wire transfer. Would you like help with that?"
}

func explorerLine(network web3.Network, txID string) string {
	if url := network.TxURL(txID); url != "" {
		return "\n\nView on BaseScan: " + url
	}
	return ""
}

func transferredReply(amount, recipient, txID string, network web3.Network) string {
	return fmt.Sprintf("✅ Successfully transferred %s USDC to %s!\n\nTransaction Hash: %s", amount, recipient, txID) +
		explorerLine(network, txID) +
		"\n\nThis was a gasless transaction - no ETH fees required!"
}

func withdrawnReply(amount, txID, payoutID string, network web3.Network) string {
	return fmt.Sprintf("✅ Successfully initiated withdrawal of %s USDC to your bank account!\n\nTransaction Hash: %s", amount, txID) +
		explorerLine(network, txID) +
		"\n\nPayout ID: " + payoutID +
		"\n\nThe funds should arrive in your bank account within 1-2 business days."
}

func settlementFailedReply(detail, txID string) string {
	return fmt.Sprintf("⚠️ USDC transferred to treasury but Circle payout failed: %s\n\nTransaction Hash: %s\n\nPlease contact support.", detail, txID)
}

func executionFailedReply(detail string) string {
	return fmt.Sprintf("❌ Transaction failed: %s\n\nPlease make sure you have sufficient USDC balance and try again.", detail)
}
