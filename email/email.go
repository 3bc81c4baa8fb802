// Package email delivers deal invitation links to the parties.
package email

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"

	"gitlab.com/arcanecrypto/swapd/build"
)

var log = build.AddSubLogger("EMAL")

// ErrCouldNotSendEmail means the HTTP request to send an email did not get a
// success status code.
var ErrCouldNotSendEmail = errors.New("could not send email")

// Sender can handle the various email sending needs of our broker
type Sender interface {
	SendDealInvitation(toEmail, dealID, link string) error
}

var _ Sender = SendGridSender{}

// NewSendGridSender creates a new SendGrid email sender
func NewSendGridSender(key string) SendGridSender {
	log.Info("Creating new SendGrid email sender")
	return SendGridSender{
		client: sendgrid.NewSendClient(key),
	}
}

// SendGridSender can send emails by communicating with the SendGrid API
type SendGridSender struct {
	client *sendgrid.Client
}

// SendDealInvitation sends out an email with the party's personal deal
// link. The link embeds the party's single-use token, so the mail goes
// to exactly one recipient.
func (s SendGridSender) SendDealInvitation(toEmail, dealID, link string) error {
	from := mail.NewEmail("Swapd", "noreply@swapd.io")
	const subject = "You have been invited to an OTC swap"
	to := mail.NewEmail("", toEmail)

	htmlText := fmt.Sprintf(
		`<p>A counterparty set up an over-the-counter swap with you. Go to <a href="%s">%s</a> to review the deal and submit your addresses.</p>`,
		link, link)
	plainText := fmt.Sprintf(
		`A counterparty set up an over-the-counter swap with you. Go to %s to review the deal and submit your addresses.`,
		link)
	message := mail.NewSingleEmail(from, subject, to, plainText, htmlText)

	response, err := s.client.Send(message)
	if err != nil {
		log.WithError(err).Error("Could not send invitation email")
		return err
	}
	if !isSuccess(response) {
		log.WithField("status", response.StatusCode).
			WithField("body", response.Body).
			Error("Got non-success response when sending invitation email")
		return ErrCouldNotSendEmail
	}

	log.WithField("deal", dealID).Info("Sent deal invitation")
	return nil
}

func isSuccess(response *rest.Response) bool {
	return response.StatusCode >= http.StatusOK &&
		response.StatusCode < http.StatusMultipleChoices
}

// MockSender records invitations instead of sending them. Used by
// tests and by dev mode when no SendGrid key is configured.
type MockSender struct {
	Sent []MockInvitation
}

// MockInvitation is one recorded invitation
type MockInvitation struct {
	ToEmail string
	DealID  string
	Link    string
}

var _ Sender = &MockSender{}

func (m *MockSender) SendDealInvitation(toEmail, dealID, link string) error {
	m.Sent = append(m.Sent, MockInvitation{ToEmail: toEmail, DealID: dealID, Link: link})
	return nil
}
