package mailer

import (
	"errors"
	"fmt"

	"github.com/lalithlochan/vlasia/internal/outbox"
)

const signature = "Με εκτίμηση και φιλία,\nΗ ομάδα της Βλασίας\n🌿 vlasia.gr 🌿"

const welcomeSubject = "Καλώς ήρθατε στο Newsletter της Βλασίας! 🎉"

const welcomeBody = `🌟 Καλώς ήρθατε στο Newsletter της Βλασίας! 🌟

Ευχαριστούμε που εγγραφήκατε στο newsletter μας! 
Θα είστε από τους πρώτους που θα ενημερώνονται για:

📰 Τα τελευταία νέα του χωριού
📝 Νέες δημοσιεύσεις και άρθρα
🎭 Εκδηλώσεις και δραστηριότητες
🏞️ Τοπία και στιγμές από τη Βλασία
👥 Ενημερώσεις για την κοινότητα

Θα λαμβάνετε τα newsletters μας κάθε φορά που έχουμε κάτι σημαντικό να μοιραστούμε μαζί σας.

` + signature

// Composer renders the site's three email kinds.
type Composer struct {
	adminEmail string
}

// NewComposer needs the address contact notifications go to.
func NewComposer(adminEmail string) (*Composer, error) {
	if adminEmail == "" {
		return nil, errors.New("admin email is required")
	}
	return &Composer{adminEmail: adminEmail}, nil
}

// Contact builds the admin notification for a contact form message.
func (c *Composer) Contact(m outbox.Contact) Message {
	body := fmt.Sprintf(`Νέα επικοινωνία από το site:

Όνομα: %s %s
Email: %s
Θέμα: %s

Μήνυμα:
%s

---
Αποστάλθηκε: %s`,
		m.FirstName, m.LastName, m.Email, m.Subject, m.Message,
		m.CreatedAt.Format("2006-01-02 15:04:05"))

	return Message{
		To:      c.adminEmail,
		Subject: "Νέο μήνυμα επικοινωνίας: " + m.Subject,
		Body:    body,
	}
}

func (c *Composer) Welcome(s outbox.Subscriber) Message {
	return Message{To: s.Email, Subject: welcomeSubject, Body: welcomeBody}
}

// Announcement builds the newsletter copy of a for one recipient.
func (c *Composer) Announcement(a outbox.Announcement, to string) Message {
	body := fmt.Sprintf(`🌟 Νέα Ανακοίνωση από τη Βλασία! 🌟

%s

%s

---
Κατηγορία: %s
Προτεραιότητα: %s
Ημερομηνία: %s

%s`,
		a.Title, a.Content, a.Category, a.Priority,
		a.CreatedAt.Format("2006-01-02"), signature)

	return Message{
		To:      to,
		Subject: "Ανακοίνωση: " + a.Title,
		Body:    body,
	}
}
