package extract

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	bodyWithName = "Prezado, %s\n\n" +
		"O(A) %s, tentou acessar a conta do Cliente: %s - %s - CNPJ: %s na Assistente Virtual WhatsApp " +
		"com o telefone %s porém esse telefone não está cadastrado no sistema.\n\n" +
		"Clique no Link Abaixo para autorizar ou recusar o Acesso desse cliente com esse número.\n\n%s"

	bodyWithoutName = "Prezado, %s\n\n" +
		"Tentou acessar a conta do Cliente: %s - %s - CNPJ: %s na Assistente Virtual WhatsApp " +
		"com o telefone %s porém esse telefone não está cadastrado no sistema.\n\n" +
		"Clique no Link Abaixo para autorizar ou recusar o Acesso desse cliente com esse número.\n\n%s"
)

// AuthorizationLink builds the approve/deny link the seller follows.
func AuthorizationLink(baseURL string, id Identity) string {
	name := id.DisplayName
	if name == "" {
		name = defaultDisplayName
	}
	return fmt.Sprintf("%s?name=%s&code=%s&phone=%s&empresa=%s",
		baseURL, escape(name), escape(id.Code), escape(id.Phone), escape(id.Company))
}

// Render returns the chat message and the authorization link embedded in it.
func Render(id Identity, baseURL string) (message, link string) {
	link = AuthorizationLink(baseURL, id)
	if id.DisplayName == "" || id.DisplayName == defaultDisplayName {
		return fmt.Sprintf(bodyWithoutName,
			id.SellerFirstName, id.Code, id.Company, id.CNPJ, id.FormattedPhone, link), link
	}
	return fmt.Sprintf(bodyWithName,
		id.SellerFirstName, id.DisplayName, id.Code, id.Company, id.CNPJ, id.FormattedPhone, link), link
}

// escape percent-encodes spaces as %20 rather than '+'.
func escape(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}
