package service

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"log"
	"path/filepath"
	"time"

	"prenotazioni/internal/db"
	"prenotazioni/internal/entities"
	"prenotazioni/internal/queue"
)

// SenderService delivers modification confirmations over email and SMS
// and publishes the completion event. Delivery failures are logged and
// never surface to the booking flow.
type SenderService struct {
	directory Directory
}

func NewSenderService(directory Directory) *SenderService {
	return &SenderService{directory: directory}
}

// ModificationCompleted fans out all post-completion signals.
func (s *SenderService) ModificationCompleted(ctx context.Context, res *db.Reservation, m *db.ModificationRequest) {
	restaurantName := "the restaurant"
	if rest, err := s.directory.GetRestaurant(ctx, res.RestaurantID); err == nil && rest != nil {
		restaurantName = rest.Name
	}

	s.sendModificationEmail(res, m, restaurantName)
	s.sendModificationSMS(res, restaurantName)

	evt := queue.ModificationCompletedEvent{
		ModificationID:  m.ID,
		ReservationCode: res.Code,
		RestaurantID:    res.RestaurantID,
		Date:            res.Date,
		PartySize:       res.PartySize,
		MealServiceID:   res.MealServiceID,
		TableID:         res.TableID,
		PriceDifference: m.PriceDifference,
		CompletedAt:     time.Now().UTC(),
	}
	if err := queue.PublishModificationCompleted(ctx, evt); err != nil {
		log.Printf("WARNING: could not publish completion event for modification %s: %v", m.ID, err)
	}
}

func (s *SenderService) sendModificationEmail(res *db.Reservation, m *db.ModificationRequest, restaurantName string) {
	italyLoc, errLoc := time.LoadLocation("Europe/Rome")
	if errLoc != nil {
		italyLoc = time.FixedZone("CET", 1*60*60) // fallback CET
	}

	emailData := entities.ReservationEmailData{
		UserName:           res.CustomerName,
		ReservationCode:    res.Code,
		RestaurantName:     restaurantName,
		PartySize:          res.PartySize,
		StartTimeFormatted: res.StartTime.In(italyLoc).Format("02 Jan 2006 15:04 MST"),
		EndTimeFormatted:   res.EndTime.In(italyLoc).Format("02 Jan 2006 15:04 MST"),
		CurrentYear:        time.Now().In(italyLoc).Year(),
		Language:           res.Language,
		Status:             "updated",
	}

	var emailSubject, plainTextBody string
	switch res.Language {
	case "es":
		emailSubject = fmt.Sprintf("Tu reserva en %s ha sido actualizada - Código: %s", restaurantName, res.Code)
		plainTextBody = fmt.Sprintf(
			"Hola %s,\n\nTu reserva en %s ha sido actualizada.\n\n"+
				"Detalles de la reserva:\n"+
				"Código de Reserva: %s\n"+
				"Personas: %d\n"+
				"Llegada: %s\n"+
				"Salida: %s\n\n"+
				"Gracias por elegir %s.",
			emailData.UserName, restaurantName, res.Code, res.PartySize,
			emailData.StartTimeFormatted, emailData.EndTimeFormatted, restaurantName,
		)
	case "it":
		emailSubject = fmt.Sprintf("La tua prenotazione presso %s è stata aggiornata - Codice: %s", restaurantName, res.Code)
		plainTextBody = fmt.Sprintf(
			"Ciao %s,\n\nLa tua prenotazione presso %s è stata aggiornata.\n\n"+
				"Dettagli della prenotazione:\n"+
				"Codice prenotazione: %s\n"+
				"Persone: %d\n"+
				"Arrivo: %s\n"+
				"Uscita: %s\n\n"+
				"Grazie per aver scelto %s.",
			emailData.UserName, restaurantName, res.Code, res.PartySize,
			emailData.StartTimeFormatted, emailData.EndTimeFormatted, restaurantName,
		)
	default:
		emailSubject = fmt.Sprintf("Your reservation at %s has been updated - Code: %s", restaurantName, res.Code)
		plainTextBody = fmt.Sprintf(
			"Hello %s,\n\nYour reservation at %s has been updated.\n\n"+
				"Reservation details:\n"+
				"Reservation code: %s\n"+
				"Party size: %d\n"+
				"Arrival: %s\n"+
				"End: %s\n\n"+
				"Thank you for choosing %s.",
			emailData.UserName, restaurantName, res.Code, res.PartySize,
			emailData.StartTimeFormatted, emailData.EndTimeFormatted, restaurantName,
		)
	}

	htmlBody := ""
	tmplPath := filepath.Join("internal", "templates", "reservation_email.html")
	if tmpl, err := template.ParseFiles(tmplPath); err != nil {
		log.Printf("WARNING: could not parse email template (%s): %v", tmplPath, err)
	} else {
		var htmlBodyBuffer bytes.Buffer
		if err := tmpl.Execute(&htmlBodyBuffer, emailData); err != nil {
			log.Printf("WARNING: could not render email template for reservation %s: %v", res.Code, err)
		} else {
			htmlBody = htmlBodyBuffer.String()
		}
	}

	go func(toEmail, userName, subject, plainBody, htmlBodyContent string) {
		if errEmail := SendEmailWithSendGrid(toEmail, userName, subject, plainBody, htmlBodyContent); errEmail != nil {
			log.Printf("WARNING (async): email delivery failed for reservation %s: %v", res.Code, errEmail)
		}
	}(res.CustomerEmail, emailData.UserName, emailSubject, plainTextBody, htmlBody)
}

func (s *SenderService) sendModificationSMS(res *db.Reservation, restaurantName string) {
	italyLoc, errLoc := time.LoadLocation("Europe/Rome")
	if errLoc != nil {
		italyLoc = time.FixedZone("CET", 1*60*60)
	}

	var smsMessage string
	switch res.Language {
	case "es":
		smsMessage = fmt.Sprintf("%s: ¡Tu reserva %s ha sido actualizada!\nLlegada: %s.\nMás detalles en tu correo.",
			restaurantName, res.Code,
			res.StartTime.In(italyLoc).Format("02/01 15:04"),
		)
	case "it":
		smsMessage = fmt.Sprintf("%s: La tua prenotazione %s è stata aggiornata!\nArrivo: %s.\nAltri dettagli nella tua email.",
			restaurantName, res.Code,
			res.StartTime.In(italyLoc).Format("02/01 15:04"),
		)
	default:
		smsMessage = fmt.Sprintf("%s: Reservation %s has been updated!\nArrival: %s.\nMore details in your email.",
			restaurantName, res.Code,
			res.StartTime.In(italyLoc).Format("02/01 15:04"),
		)
	}

	if errSMS := SendSMS(res.CustomerPhone, smsMessage); errSMS != nil {
		log.Printf("WARNING: reservation %s was updated, but the SMS to %s failed: %v", res.Code, res.CustomerPhone, errSMS)
	}
}
