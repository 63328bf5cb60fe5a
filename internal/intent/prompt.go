package intent

import "strings"

const classifyInstruction = "Analyze this conversation and determine if the user is requesting a banking action. " +
	"Extract ALL parameters from the conversation history, even if they were mentioned in previous messages. " +
	"Respond ONLY with valid JSON.\n\nConversation:\n"

var classifyExamples = []string{
	`check my balance -> {"type": "check_balance", "params": {}}`,
	`what's my balance -> {"type": "check_balance", "params": {}}`,
	`transfer 10 USDC to 0x123 -> {"type": "transfer_usdc", "params": {"amount": 10, "recipient_address": "0x123"}}`,
	`send 10 USDC to 0x123 -> {"type": "transfer_usdc", "params": {"amount": 10, "recipient_address": "0x123"}}`,
	`deposit 100 usdc -> {"type": "deposit_usdc", "params": {"amount": 100}}`,
	`withdraw 50 USDC -> {"type": "withdraw_usdc", "params": {"amount": 50}}`,
	`user: withdraw 50 USDC\nassistant: which account?\nuser: account abc123 -> {"type": "withdraw_usdc", "params": {"amount": 50, "bankAccountId": "abc123"}}`,
	`show my bank accounts -> {"type": "get_bank_accounts", "params": {}}`,
	`what is defi -> {"type": "none", "params": {}}`,
}

// classifyPrompt 渲染意图识别提示词。
func classifyPrompt(transcript string) string {
	var b strings.Builder
	b.WriteString(classifyInstruction)
	b.WriteString(transcript)
	b.WriteString("\n\nExamples:")
	for _, example := range classifyExamples {
		b.WriteString("\n- ")
		b.WriteString(example)
	}
	return b.String()
}
