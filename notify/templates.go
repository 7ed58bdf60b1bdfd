package notify

import (
	"bytes"
	"fmt"
	"text/template"
)

// Recipient is the directory entry a message gets addressed to.
type Recipient struct {
	Email    string
	FullName string
}

var fundingReceiptTmpl = template.Must(template.New("funding_receipt").Parse(`<p>Hi {{.Name}},</p>
<p>We received your escrow deposit of <strong>${{.Amount}}</strong>.</p>
<p>Your escrow now holds ${{.Funded}} of the ${{.Total}} project value. Milestone
payments are released from this balance as work is approved.</p>
<p>&mdash; NAMC Northern California</p>`))

var milestonePaidTmpl = template.Must(template.New("milestone_paid").Parse(`<p>Hi {{.Name}},</p>
<p>The milestone <strong>{{.Title}}</strong> was approved and its payment of
<strong>${{.Net}}</strong> has been released to the contractor.</p>
{{if .Retention}}<p>${{.Retention}} was withheld as retention and will be released
when the project closes out.</p>{{end}}
<p>&mdash; NAMC Northern California</p>`))

var disputeOpenedTmpl = template.Must(template.New("dispute_opened").Parse(`<p>Hi {{.Name}},</p>
<p>A dispute was opened on your project escrow. All payments are on hold until
it is resolved.</p>
<p>Reason given: {{.Reason}}</p>
<p>You can respond from your portal dashboard, or request mediation if you
cannot reach an agreement directly.</p>
<p>&mdash; NAMC Northern California</p>`))

var disputeMediationTmpl = template.Must(template.New("dispute_mediation").Parse(`<p>Hi {{.Name}},</p>
<p>Mediation was requested for the open dispute on your project escrow. A NAMC
staff mediator will contact both parties within two business days.</p>
<p>&mdash; NAMC Northern California</p>`))

var disputeResolvedTmpl = template.Must(template.New("dispute_resolved").Parse(`<p>Hi {{.Name}},</p>
<p>The dispute on your project escrow has been resolved and payments may flow
again.</p>
<p>Resolution: {{.Resolution}}</p>
<p>&mdash; NAMC Northern California</p>`))

func render(tmpl *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("notify: render %s: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

func composeFundingReceipt(p fundingReceiptPayload, to Recipient) (Email, error) {
	html, err := render(fundingReceiptTmpl, map[string]string{
		"Name":   to.FullName,
		"Amount": p.Amount,
		"Funded": p.FundedAmount,
		"Total":  p.TotalValue,
	})
	if err != nil {
		return Email{}, err
	}
	return Email{
		To:      to.Email,
		Subject: "Deposit received for your project escrow",
		Text:    fmt.Sprintf("We received your escrow deposit of $%s. The escrow now holds $%s of $%s.", p.Amount, p.FundedAmount, p.TotalValue),
		HTML:    html,
	}, nil
}

func composeMilestonePaid(p milestonePaidPayload, to Recipient) (Email, error) {
	retention := p.RetentionWithheld
	if retention == "0" || retention == "0.00" {
		retention = ""
	}
	html, err := render(milestonePaidTmpl, map[string]string{
		"Name":      to.FullName,
		"Title":     p.MilestoneTitle,
		"Net":       p.NetAmount,
		"Retention": retention,
	})
	if err != nil {
		return Email{}, err
	}
	return Email{
		To:      to.Email,
		Subject: fmt.Sprintf("Milestone approved: %s", p.MilestoneTitle),
		Text:    fmt.Sprintf("Milestone %q was approved and $%s was released to the contractor.", p.MilestoneTitle, p.NetAmount),
		HTML:    html,
	}, nil
}

func composeDisputeOpened(p disputeOpenedPayload, to Recipient) (Email, error) {
	html, err := render(disputeOpenedTmpl, map[string]string{
		"Name":   to.FullName,
		"Reason": p.Reason,
	})
	if err != nil {
		return Email{}, err
	}
	return Email{
		To:      to.Email,
		Subject: "A dispute was opened on your project escrow",
		Text:    fmt.Sprintf("A dispute was opened on your project escrow. Reason: %s", p.Reason),
		HTML:    html,
	}, nil
}

func composeDisputeMediation(to Recipient) (Email, error) {
	html, err := render(disputeMediationTmpl, map[string]string{"Name": to.FullName})
	if err != nil {
		return Email{}, err
	}
	return Email{
		To:      to.Email,
		Subject: "Mediation requested for your dispute",
		Text:    "Mediation was requested for the open dispute on your project escrow. A NAMC staff mediator will contact both parties.",
		HTML:    html,
	}, nil
}

func composeDisputeResolved(p disputeResolvedPayload, to Recipient) (Email, error) {
	html, err := render(disputeResolvedTmpl, map[string]string{
		"Name":       to.FullName,
		"Resolution": p.Resolution,
	})
	if err != nil {
		return Email{}, err
	}
	return Email{
		To:      to.Email,
		Subject: "Your dispute has been resolved",
		Text:    fmt.Sprintf("The dispute on your project escrow has been resolved: %s", p.Resolution),
		HTML:    html,
	}, nil
}
