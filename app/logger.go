package app

import (
	"github.com/sirupsen/logrus"
)

var logger = logrus.WithFields(logrus.Fields{"prefix": "app"})

func SetLogger(l *logrus.Entry) {
	logger = l
}
