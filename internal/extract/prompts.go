package extract

import (
	"fmt"
	"strings"

	"github.com/dvloznov/docingest/internal/domain"
)

const systemInstruction = "You are a financial document parser. You read cleaned OCR text from bank statements, " +
	"credit card statements and receipts and return the transactions it contains as strict JSON."

const outputContract = "Output format:\n" +
	"Return ONE JSON object with exactly these keys:\n" +
	"- \"transactions\": array of objects, each with\n" +
	"    \"date\": string \"YYYY-MM-DD\" or null\n" +
	"    \"description\": string\n" +
	"    \"merchant\": string or null\n" +
	"    \"amount\": number\n" +
	"    \"type\": \"debit\" or \"credit\"\n" +
	"    \"category\": string or null\n" +
	"    \"confidence\": number between 0 and 1\n" +
	"- \"errors\": array of strings describing rows you could not read\n" +
	"- \"stats\": object with \"rows_seen\" and \"rows_returned\" numbers\n\n" +
	"Return ONLY valid raw JSON.\n" +
	"Do NOT wrap the response in code fences.\n" +
	"Do NOT use ```json or any Markdown.\n" +
	"Output must begin with \"{\" and end with \"}\".\n"

const receiptRules = "Task:\n" +
	"- The text is a single purchase receipt.\n" +
	"- Return EXACTLY ONE transaction: the amount actually paid.\n" +
	"- Use the final total. If a tip or gratuity is listed after the total, add it to the total.\n" +
	"- Do not return individual line items, tax lines or subtotals as transactions.\n" +
	"- \"merchant\" is the store name, usually on the first lines.\n" +
	"- A purchase is a \"debit\".\n"

const statementRules = "Task:\n" +
	"- The text is a bank statement. Return one transaction per ledger row.\n" +
	"- A row may wrap onto following lines; join them into one description.\n" +
	"- Ignore opening/closing balances, running balance columns, headers and totals.\n" +
	"- Money out is a \"debit\", money in is a \"credit\".\n" +
	"- An amount printed with a trailing minus (e.g. \"42.00-\") is negative.\n" +
	"- If separate paid-out / paid-in columns exist, use the column to decide the type.\n" +
	"- Give a short best-effort category (e.g. \"Groceries\", \"Fuel\", \"Salary\") or null.\n"

const creditCardRules = "Task:\n" +
	"- The text is a credit card statement. Return one transaction per purchase, refund, fee or payment row.\n" +
	"- A row may wrap onto following lines; join them into one description.\n" +
	"- Ignore previous balance, minimum payment, credit limit and interest summary lines.\n" +
	"- Purchases, fees and interest are \"debit\". Payments to the card and refunds are \"credit\".\n" +
	"- An amount printed with a trailing minus or \"CR\" is a credit.\n" +
	"- Give a short best-effort category or null.\n"

const retryInstruction = "Your previous answer was not valid JSON in the required shape. " +
	"Return only valid JSON: a single object with the keys \"transactions\", \"errors\" and \"stats\". " +
	"No prose, no Markdown, no code fences.\n\n"

func rulesFor(docType domain.DocType) string {
	switch docType {
	case domain.DocReceipt:
		return receiptRules
	case domain.DocCreditCardStatement:
		return creditCardRules
	default:
		return statementRules
	}
}

// buildPrompt embeds the cleaned text into the doc-type specific instruction.
func buildPrompt(docType domain.DocType, currency, text string) string {
	var b strings.Builder
	b.WriteString(rulesFor(docType))
	if currency != "" {
		fmt.Fprintf(&b, "- Amounts are in %s. Return plain numbers without currency symbols.\n", currency)
	}
	b.WriteString("\n")
	b.WriteString(outputContract)
	fmt.Fprintf(&b, "\nDocument type: %s\n", docType)
	b.WriteString("Document text:\n<<<\n")
	b.WriteString(text)
	b.WriteString("\n>>>\n")
	return b.String()
}
